package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

// deliveryNamespace seeds the name-based job IDs of webhook_processing jobs.
var deliveryNamespace = uuid.MustParse("5b0c6f3e-8a41-4d0e-9c57-2f7a1d93e4b8")

// DeliveryJobID returns the ID of the webhook_processing job for a delivery.
// A redelivered event maps to the same job, so it is enqueued once.
func DeliveryJobID(deliveryID string) uuid.UUID {
	return uuid.NewSHA1(deliveryNamespace, []byte(deliveryID))
}

// EnqueueResult describes the root job of an enqueued event.
type EnqueueResult struct {
	Job *domain.Job
	// Created is false when the delivery had been enqueued before.
	Created bool
}

// JobEnqueuer creates the webhook_processing root job for each push event.
type JobEnqueuer struct {
	jobs        store.JobStore
	priority    int
	maxAttempts int
	logger      *slog.Logger
}

// NewJobEnqueuer creates a JobEnqueuer. A zero maxAttempts uses the job default.
func NewJobEnqueuer(jobs store.JobStore, priority, maxAttempts int, log *slog.Logger) *JobEnqueuer {
	if log == nil {
		log = slog.Default()
	}
	return &JobEnqueuer{
		jobs:        jobs,
		priority:    priority,
		maxAttempts: maxAttempts,
		logger:      log.With(slog.String("component", "job_enqueuer")),
	}
}

// HandleEvent implements EventHandler.
func (q *JobEnqueuer) HandleEvent(ctx context.Context, event *CommitPushEvent) error {
	_, err := q.Enqueue(ctx, event)
	return err
}

// Enqueue validates event and creates its root job. A delivery that already
// has a job returns that job with Created set to false.
func (q *JobEnqueuer) Enqueue(ctx context.Context, event *CommitPushEvent) (*EnqueueResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContextOrDefault(ctx, q.logger)

	projectID := event.ProjectID
	j, err := domain.NewJob(domain.NewJobParams{
		Data:        event.JobData(),
		Priority:    q.priority,
		MaxAttempts: q.maxAttempts,
		ProjectID:   &projectID,
	})
	if err != nil {
		return nil, err
	}
	j.ID = DeliveryJobID(event.DeliveryID)

	err = q.jobs.CreateJob(ctx, j, nil)
	if errors.Is(err, store.ErrDuplicate) {
		existing, getErr := q.jobs.GetByID(ctx, j.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load job of delivery %s: %w", event.DeliveryID, getErr)
		}
		log.Info("push event already enqueued",
			slog.String("delivery_id", event.DeliveryID),
			slog.String("job_id", existing.ID.String()))
		return &EnqueueResult{Job: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue push event: %w", err)
	}

	log.Info("push event enqueued",
		slog.String("delivery_id", event.DeliveryID),
		slog.String("job_id", j.ID.String()),
		slog.Int("commits", len(event.Commits)))
	return &EnqueueResult{Job: j, Created: true}, nil
}
