package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
)

// CommitPushEvent is a validated push to a watched repository.
type CommitPushEvent struct {
	// DeliveryID identifies the delivery at the source. Redeliveries reuse it.
	DeliveryID     string             `json:"delivery_id"`
	ProjectID      uuid.UUID          `json:"project_id"`
	RepoOwner      string             `json:"repo_owner"`
	RepoName       string             `json:"repo_name"`
	InstallationID int64              `json:"installation_id,omitempty"`
	Recipients     []string           `json:"recipients,omitempty"`
	Digest         bool               `json:"digest,omitempty"`
	Commits        []domain.CommitRef `json:"commits"`
	ReceivedAt     time.Time          `json:"received_at"`
}

// JobData converts the event into the payload of its webhook_processing job.
func (e *CommitPushEvent) JobData() *domain.WebhookProcessingData {
	return &domain.WebhookProcessingData{
		DeliveryID:     e.DeliveryID,
		ProjectID:      e.ProjectID,
		RepoOwner:      e.RepoOwner,
		RepoName:       e.RepoName,
		InstallationID: e.InstallationID,
		Recipients:     e.Recipients,
		Digest:         e.Digest,
		Commits:        e.Commits,
	}
}

// Validate checks the event against the webhook_processing payload schema.
func (e *CommitPushEvent) Validate() error {
	if err := domain.ValidatePayload(e.JobData()); err != nil {
		return fmt.Errorf("invalid push event: %w", err)
	}
	return nil
}

// EventHandler processes emitted events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *CommitPushEvent) error
}

// EventEmitter publishes events to handlers without the publisher knowing
// which handlers exist.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event *CommitPushEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *CommitPushEvent) error

// HandleEvent implements EventHandler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *CommitPushEvent) error {
	return f(ctx, event)
}
