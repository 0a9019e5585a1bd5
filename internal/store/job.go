package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
)

// ClaimParams controls a single claim round.
type ClaimParams struct {
	// Limit is the maximum number of jobs to claim. Zero claims nothing.
	Limit int
	// Types restricts claiming to job types the caller can execute.
	// Empty means any type.
	Types []domain.JobType
	// WorkerID identifies the claiming engine instance.
	WorkerID string
	// Now is the clock reading the runnable predicate is evaluated against.
	Now time.Time
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	Statuses    []domain.JobStatus
	Types       []domain.JobType
	ProjectID   *uuid.UUID
	CommitID    *uuid.UUID
	ErrorPrefix string
	Limit       int
	Offset      int
}

// ResetStuckParams selects running jobs to return to pending.
type ResetStuckParams struct {
	// StartedBefore is the cutoff; jobs started at or after it are left alone.
	StartedBefore time.Time
	// Types limits the reset to these types. Empty means all types not in ExcludeTypes.
	Types []domain.JobType
	// ExcludeTypes is ignored when Types is set.
	ExcludeTypes []domain.JobType
	// Message is recorded as the job's error_message.
	Message string
	Now     time.Time
}

// RequeueFilter selects failed jobs to move back to pending.
type RequeueFilter struct {
	ErrorPrefix string
	Types       []domain.JobType
	ProjectID   *uuid.UUID
	JobIDs      []uuid.UUID
}

// JobStats is a point-in-time count of jobs per status.
type JobStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// BlockedFailurePrefix starts the error message of jobs failed because a
// dependency failed.
const BlockedFailurePrefix = "dependency failed: "

// JobStore defines the persistence contract of the job engine.
// Every state transition it performs is a single conditional write, so
// several engines may share one store.
type JobStore interface {
	// CreateJob inserts job and then its dependency edges in declaration order.
	// Returns ErrInvalidEntity if a dependency does not exist and
	// ErrDuplicate if a uniqueness rule (one workflow root per commit) rejects the job.
	CreateJob(ctx context.Context, job *domain.Job, dependsOn []uuid.UUID) error

	// GetByID retrieves a job. Returns ErrJobNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// List returns jobs matching filter ordered by created_at.
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// Dependencies returns the edges of jobID joined with the state of each
	// dependency, in declaration order.
	Dependencies(ctx context.Context, jobID uuid.UUID) ([]domain.DependencyState, error)

	// AddDependency adds an edge between two existing jobs.
	// Returns ErrCycle if jobID is reachable from dependsOnID.
	AddDependency(ctx context.Context, jobID, dependsOnID uuid.UUID) error

	// Claim atomically moves up to params.Limit runnable pending jobs to running,
	// ordered by priority descending then created_at ascending. No job is
	// returned to more than one caller.
	Claim(ctx context.Context, params ClaimParams) ([]*domain.Job, error)

	// Complete stores jobCtx and marks the job completed.
	// Returns ErrLeaseLost if the job is no longer running under claimID.
	Complete(ctx context.Context, jobID, claimID uuid.UUID, jobCtx domain.JobContext) error

	// Fail records a failed execution and increments attempts. The job returns
	// to pending with retry_after when the failure is retryable and attempts
	// remain, and becomes failed otherwise. Returns the resulting status.
	Fail(ctx context.Context, jobID, claimID uuid.UUID, failure domain.Failure) (domain.JobStatus, error)

	// ResetStuck returns matching running jobs to pending with attempts
	// incremented, or marks them failed when that exhausts max_attempts.
	ResetStuck(ctx context.Context, params ResetStuckParams) ([]*domain.Job, error)

	// FailBlocked marks pending jobs with a failed dependency as failed.
	FailBlocked(ctx context.Context, now time.Time) (int64, error)

	// RequeueFailed resets matching failed jobs, and the jobs that failed
	// only because they depended on them, to pending with attempts cleared.
	RequeueFailed(ctx context.Context, filter RequeueFilter) (int64, error)

	// Stats counts jobs per status.
	Stats(ctx context.Context) (JobStats, error)

	// WithTx returns a JobStore that runs its statements in tx.
	WithTx(tx *sql.Tx) JobStore
}
