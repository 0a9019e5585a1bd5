package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/commitcast/internal/api/middleware"
	"github.com/phrazzld/commitcast/internal/api/shared"
	"github.com/phrazzld/commitcast/internal/events"
	"github.com/phrazzld/commitcast/internal/platform/logger"
)

// EventEnqueuer turns a push event into its root job.
type EventEnqueuer interface {
	Enqueue(ctx context.Context, event *events.CommitPushEvent) (*events.EnqueueResult, error)
}

// EventHandler serves POST /api/events/push.
type EventHandler struct {
	enqueuer EventEnqueuer
	now      func() time.Time
	logger   *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(enqueuer EventEnqueuer, log *slog.Logger) *EventHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for EventHandler")
	}
	return &EventHandler{
		enqueuer: enqueuer,
		now:      time.Now,
		logger:   log.With(slog.String("component", "event_handler")),
	}
}

// PushEvent enqueues a push event. It answers 202 for a new delivery and
// 200 for a delivery that was enqueued before.
func (h *EventHandler) PushEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req PushEventRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	res, err := h.enqueuer.Enqueue(r.Context(), req.Event(h.now().UTC()))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("push event accepted",
		slog.String("delivery_id", req.DeliveryID),
		slog.String("job_id", res.Job.ID.String()),
		slog.Bool("created", res.Created),
		slog.String("subject", middleware.Subject(r)))

	status := http.StatusAccepted
	if !res.Created {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, PushEventResponse{JobID: res.Job.ID, Created: res.Created})
}
