package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType identifies which handler executes a job and which payload schema
// its data must satisfy.
type JobType string

// Known job types
const (
	JobTypeFetchDiff         JobType = "fetch_diff"
	JobTypeGenerateSummary   JobType = "generate_summary"
	JobTypeSendEmail         JobType = "send_email"
	JobTypeWebhookProcessing JobType = "webhook_processing"
)

// IsValid reports whether t has a registered payload schema.
func (t JobType) IsValid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DefaultMaxAttempts is used when a job is created without an explicit limit.
const DefaultMaxAttempts = 3

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the engine will never move a job out of s on its own.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
//
//	pending   -> running    claimed by an engine
//	pending   -> failed     validation error or failed dependency
//	running   -> completed  handler succeeded
//	running   -> pending    retryable failure or stuck-job reset
//	running   -> failed     terminal failure or attempts exhausted
//	failed    -> pending    operator requeue
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusPending || next == JobStatusFailed
	case JobStatusFailed:
		return next == JobStatusPending
	default:
		return false
	}
}

// TransitionTo moves j to next if the state machine allows it.
func (j *Job) TransitionTo(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: job %s from %s to %s", ErrInvalidTransition, j.ID, j.Status, next)
	}
	j.Status = next
	return nil
}

// Job is a persisted unit of background work.
//
// Data is immutable after creation. Context accumulates the job's own result
// and the results inherited from its dependencies.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Data         json.RawMessage `json:"data"`
	Context      JobContext      `json:"context"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	RetryAfter   *time.Time      `json:"retry_after,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	ProjectID    *uuid.UUID      `json:"project_id,omitempty"`
	CommitID     *uuid.UUID      `json:"commit_id,omitempty"`
	ClaimID      *uuid.UUID      `json:"claim_id,omitempty"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJobParams describes a job to be created.
// The job type is taken from the payload.
type NewJobParams struct {
	Data         Payload
	Priority     int
	MaxAttempts  int
	ScheduledFor time.Time
	ProjectID    *uuid.UUID
	CommitID     *uuid.UUID
}

// NewJob builds a pending job from params, validating the payload against
// its type's schema. A zero ScheduledFor means "now" and a zero MaxAttempts
// means DefaultMaxAttempts.
func NewJob(p NewJobParams) (*Job, error) {
	if p.Data == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidJobData)
	}
	if err := ValidatePayload(p.Data); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobData, err)
	}

	now := time.Now().UTC()
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	scheduledFor := p.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	job := &Job{
		ID:           uuid.New(),
		Type:         p.Data.JobType(),
		Status:       JobStatusPending,
		Priority:     p.Priority,
		Data:         raw,
		MaxAttempts:  maxAttempts,
		ScheduledFor: scheduledFor.UTC(),
		ProjectID:    p.ProjectID,
		CommitID:     p.CommitID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Validate checks the invariants every stored job must satisfy.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return fmt.Errorf("%w: job id is empty", ErrInvalidID)
	}
	if !j.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobType, j.Type)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobStatus, j.Status)
	}
	if j.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if j.Attempts < 0 || j.Attempts > j.MaxAttempts {
		return fmt.Errorf("%w: attempts %d outside [0, %d]", ErrValidation, j.Attempts, j.MaxAttempts)
	}
	if len(j.Data) == 0 {
		return fmt.Errorf("%w: data is empty", ErrInvalidJobData)
	}
	return nil
}

// ReadyAt is the earliest time the job may be claimed, ignoring dependencies.
func (j *Job) ReadyAt() time.Time {
	if j.RetryAfter != nil && j.RetryAfter.After(j.ScheduledFor) {
		return *j.RetryAfter
	}
	return j.ScheduledFor
}

// AttemptsRemaining reports whether another failure would still leave the job retryable.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempts+1 < j.MaxAttempts
}

// Dependency is a directed edge: JobID cannot run until DependsOnJobID has completed.
// Position preserves declaration order for context merging.
type Dependency struct {
	JobID          uuid.UUID `json:"job_id"`
	DependsOnJobID uuid.UUID `json:"depends_on_job_id"`
	Position       int       `json:"position"`
}

// DependencyState is a dependency edge joined with the current state of the
// job it points at.
type DependencyState struct {
	JobID       uuid.UUID      `json:"job_id"`
	Type        JobType        `json:"type"`
	Status      JobStatus      `json:"status"`
	Position    int            `json:"position"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Failure describes a failed execution to be recorded against a job.
type Failure struct {
	Message   string
	Details   json.RawMessage
	Retryable bool
	// RetryAfter is applied only when the failure leaves the job pending.
	RetryAfter time.Time
}

// IsRunnable reports whether a pending job may be claimed at now: every
// dependency has completed and neither its schedule nor its retry window
// lies in the future.
func IsRunnable(j *Job, deps []DependencyState, now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	if now.Before(j.ReadyAt()) {
		return false
	}
	for _, d := range deps {
		if d.Status != JobStatusCompleted {
			return false
		}
	}
	return true
}
