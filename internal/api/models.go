package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/events"
	"github.com/phrazzld/commitcast/internal/store"
)

// JobResponse is the list view of a job.
type JobResponse struct {
	ID           uuid.UUID        `json:"id"`
	Type         domain.JobType   `json:"type"`
	Status       domain.JobStatus `json:"status"`
	Priority     int              `json:"priority"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	RetryAfter   *time.Time       `json:"retry_after,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ProjectID    *uuid.UUID       `json:"project_id,omitempty"`
	CommitID     *uuid.UUID       `json:"commit_id,omitempty"`
	ClaimedBy    string           `json:"claimed_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DependencyResponse is one edge of a job, with the state of the job it points at.
type DependencyResponse struct {
	JobID    uuid.UUID        `json:"job_id"`
	Type     domain.JobType   `json:"type"`
	Status   domain.JobStatus `json:"status"`
	Position int              `json:"position"`
}

// JobDetailResponse is the single-job view.
type JobDetailResponse struct {
	JobResponse
	Data         json.RawMessage      `json:"data"`
	Result       map[string]any       `json:"result,omitempty"`
	ErrorDetails json.RawMessage      `json:"error_details,omitempty"`
	Dependencies []DependencyResponse `json:"dependencies"`
}

// ListJobsResponse is the body of GET /api/jobs.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// RequeueRequest selects failed jobs to return to pending.
type RequeueRequest struct {
	ErrorPrefix string           `json:"error_prefix,omitempty"`
	Types       []domain.JobType `json:"types,omitempty"`
	ProjectID   *uuid.UUID       `json:"project_id,omitempty"`
	JobIDs      []uuid.UUID      `json:"job_ids,omitempty"`
}

// Validate requires a selector so a bare request cannot requeue every failure.
func (r *RequeueRequest) Validate() error {
	if r.ErrorPrefix == "" && len(r.JobIDs) == 0 {
		return fmt.Errorf("%w: error_prefix or job_ids is required", domain.ErrValidation)
	}
	for _, t := range r.Types {
		if !t.IsValid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidJobType, t)
		}
	}
	return nil
}

// Filter converts the request to a store filter.
func (r *RequeueRequest) Filter() store.RequeueFilter {
	return store.RequeueFilter{
		ErrorPrefix: r.ErrorPrefix,
		Types:       r.Types,
		ProjectID:   r.ProjectID,
		JobIDs:      r.JobIDs,
	}
}

// RequeueResponse reports how many jobs went back to pending, including
// dependents that had failed because of them.
type RequeueResponse struct {
	Requeued int64 `json:"requeued"`
}

// PushEventRequest is the body of POST /api/events/push.
type PushEventRequest struct {
	DeliveryID     string             `json:"delivery_id"`
	ProjectID      uuid.UUID          `json:"project_id"`
	RepoOwner      string             `json:"repo_owner"`
	RepoName       string             `json:"repo_name"`
	InstallationID int64              `json:"installation_id,omitempty"`
	Recipients     []string           `json:"recipients,omitempty"`
	Digest         bool               `json:"digest,omitempty"`
	Commits        []domain.CommitRef `json:"commits"`
}

// Event converts the request into a push event received at now.
func (r *PushEventRequest) Event(now time.Time) *events.CommitPushEvent {
	return &events.CommitPushEvent{
		DeliveryID:     r.DeliveryID,
		ProjectID:      r.ProjectID,
		RepoOwner:      r.RepoOwner,
		RepoName:       r.RepoName,
		InstallationID: r.InstallationID,
		Recipients:     r.Recipients,
		Digest:         r.Digest,
		Commits:        r.Commits,
		ReceivedAt:     now,
	}
}

// PushEventResponse identifies the root job created for a push event.
type PushEventResponse struct {
	JobID   uuid.UUID `json:"job_id"`
	Created bool      `json:"created"`
}

func toJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		Type:         j.Type,
		Status:       j.Status,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		ScheduledFor: j.ScheduledFor,
		RetryAfter:   j.RetryAfter,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ErrorMessage: j.ErrorMessage,
		ProjectID:    j.ProjectID,
		CommitID:     j.CommitID,
		ClaimedBy:    j.ClaimedBy,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func toJobDetailResponse(j *domain.Job, deps []domain.DependencyState) JobDetailResponse {
	out := JobDetailResponse{
		JobResponse:  toJobResponse(j),
		Data:         j.Data,
		Result:       j.Context.Result,
		ErrorDetails: j.ErrorDetails,
		Dependencies: make([]DependencyResponse, 0, len(deps)),
	}
	for _, d := range deps {
		out.Dependencies = append(out.Dependencies, DependencyResponse{
			JobID:    d.JobID,
			Type:     d.Type,
			Status:   d.Status,
			Position: d.Position,
		})
	}
	return out
}
