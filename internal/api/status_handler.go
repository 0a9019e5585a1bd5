package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/commitcast/internal/api/shared"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
)

// StatusProvider reports the state of the queue and the local engine.
type StatusProvider interface {
	Status(ctx context.Context) (job.Status, error)
}

// StatusHandler serves GET /api/status.
type StatusHandler struct {
	engine StatusProvider
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine StatusProvider, log *slog.Logger) *StatusHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for StatusHandler")
	}
	return &StatusHandler{
		engine: engine,
		logger: log.With(slog.String("component", "status_handler")),
	}
}

// GetStatus returns job counts, engine totals and the jobs currently running.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	status, err := h.engine.Status(r.Context())
	if err != nil {
		log.Error("failed to read engine status", slog.String("error", err.Error()))
		HandleAPIError(w, r, err, "Failed to read status")
		return
	}
	if status.ActiveJobs == nil {
		status.ActiveJobs = []job.ActiveJob{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}
