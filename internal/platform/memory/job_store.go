package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

// JobStore implements store.JobStore over a Store.
type JobStore struct {
	s    *Store
	inTx bool
}

var _ store.JobStore = (*JobStore)(nil)

// WithTx implements store.JobStore. SQL transactions do not apply to the
// in-memory store; use Store.InTransaction instead.
func (j *JobStore) WithTx(*sql.Tx) store.JobStore {
	return j
}

// CreateJob implements store.JobStore.
func (j *JobStore) CreateJob(ctx context.Context, job *domain.Job, dependsOn []uuid.UUID) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	seen := make(map[uuid.UUID]struct{}, len(dependsOn))
	for _, id := range dependsOn {
		if id == job.ID {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrSelfDependency)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: dependency %s listed twice", store.ErrInvalidEntity, id)
		}
		seen[id] = struct{}{}
	}

	defer j.s.lock(j.inTx)()
	st := &j.s.st

	missing := 0
	for _, id := range dependsOn {
		if _, ok := st.jobs[id]; !ok {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d of %d dependencies do not exist",
			store.ErrInvalidEntity, missing, len(dependsOn))
	}
	if _, exists := st.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s", store.ErrDuplicate, job.ID)
	}
	if job.Type == domain.JobTypeFetchDiff && job.CommitID != nil {
		for _, other := range st.jobs {
			if other.Type == domain.JobTypeFetchDiff && other.CommitID != nil && *other.CommitID == *job.CommitID {
				return fmt.Errorf("%w: %s job for commit", store.ErrDuplicate, job.Type)
			}
		}
	}

	st.jobs[job.ID] = cloneJob(job)
	if len(dependsOn) > 0 {
		edges := make([]edge, len(dependsOn))
		for i, id := range dependsOn {
			edges[i] = edge{dependsOn: id, position: i}
		}
		st.edges[job.ID] = edges
	}

	logger.FromContextOrDefault(ctx, j.s.logger).Debug("job created",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.Type)),
		slog.Int("dependencies", len(dependsOn)))
	return nil
}

// GetByID implements store.JobStore.
func (j *JobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	defer j.s.lock(j.inTx)()
	job, ok := j.s.st.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// List implements store.JobStore.
func (j *JobStore) List(_ context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	defer j.s.lock(j.inTx)()

	var out []*domain.Job
	for _, job := range j.s.st.jobs {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, job.Type) {
			continue
		}
		if filter.ProjectID != nil && (job.ProjectID == nil || *job.ProjectID != *filter.ProjectID) {
			continue
		}
		if filter.CommitID != nil && (job.CommitID == nil || *job.CommitID != *filter.CommitID) {
			continue
		}
		if filter.ErrorPrefix != "" && !strings.HasPrefix(job.ErrorMessage, filter.ErrorPrefix) {
			continue
		}
		out = append(out, cloneJob(job))
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID.String() < out[b].ID.String()
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Dependencies implements store.JobStore.
func (j *JobStore) Dependencies(_ context.Context, jobID uuid.UUID) ([]domain.DependencyState, error) {
	defer j.s.lock(j.inTx)()
	return j.dependencies(jobID), nil
}

func (j *JobStore) dependencies(jobID uuid.UUID) []domain.DependencyState {
	edges := j.s.st.edges[jobID]
	if len(edges) == 0 {
		return nil
	}
	deps := make([]domain.DependencyState, 0, len(edges))
	for _, e := range edges {
		dep := j.s.st.jobs[e.dependsOn]
		deps = append(deps, domain.DependencyState{
			JobID:       dep.ID,
			Type:        dep.Type,
			Status:      dep.Status,
			Position:    e.position,
			Result:      cloneContext(dep.Context).Result,
			CompletedAt: dep.CompletedAt,
		})
	}
	return deps
}

// AddDependency implements store.JobStore.
func (j *JobStore) AddDependency(_ context.Context, jobID, dependsOnID uuid.UUID) error {
	if jobID == dependsOnID {
		return fmt.Errorf("%w: %v", store.ErrCycle, domain.ErrSelfDependency)
	}

	defer j.s.lock(j.inTx)()
	st := &j.s.st

	job, ok := st.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	if _, ok := st.jobs[dependsOnID]; !ok {
		return fmt.Errorf("%w: dependency %s does not exist", store.ErrInvalidEntity, dependsOnID)
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: cannot add dependency to %s job", store.ErrInvalidEntity, job.Status)
	}
	for _, e := range st.edges[jobID] {
		if e.dependsOn == dependsOnID {
			return fmt.Errorf("%w: dependency %s already exists", store.ErrDuplicate, dependsOnID)
		}
	}
	if j.reachable(dependsOnID, jobID) {
		return fmt.Errorf("%w: %s already depends on %s", store.ErrCycle, dependsOnID, jobID)
	}

	position := 0
	for _, e := range st.edges[jobID] {
		if e.position >= position {
			position = e.position + 1
		}
	}
	st.edges[jobID] = append(st.edges[jobID], edge{dependsOn: dependsOnID, position: position})
	return nil
}

// reachable reports whether target is an ancestor of from.
func (j *JobStore) reachable(from, target uuid.UUID) bool {
	visited := map[uuid.UUID]bool{}
	stack := []uuid.UUID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range j.s.st.edges[id] {
			if e.dependsOn == target {
				return true
			}
			if !visited[e.dependsOn] {
				visited[e.dependsOn] = true
				stack = append(stack, e.dependsOn)
			}
		}
	}
	return false
}

// Claim implements store.JobStore.
func (j *JobStore) Claim(_ context.Context, params store.ClaimParams) ([]*domain.Job, error) {
	if params.Limit <= 0 {
		return nil, nil
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	defer j.s.lock(j.inTx)()

	var candidates []*domain.Job
	for _, job := range j.s.st.jobs {
		if len(params.Types) > 0 && !slices.Contains(params.Types, job.Type) {
			continue
		}
		if domain.IsRunnable(job, j.dependencies(job.ID), now) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	if len(candidates) > params.Limit {
		candidates = candidates[:params.Limit]
	}

	claimID := uuid.New()
	claimed := make([]*domain.Job, 0, len(candidates))
	for _, job := range candidates {
		if err := transition(job, domain.JobStatusRunning); err != nil {
			return nil, err
		}
		started := now
		job.StartedAt = &started
		job.UpdatedAt = now
		job.RetryAfter = nil
		job.ClaimID = &claimID
		job.ClaimedBy = params.WorkerID
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

// transition applies a status change allowed by domain.JobStatus.CanTransitionTo.
func transition(job *domain.Job, next domain.JobStatus) error {
	if err := job.TransitionTo(next); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	return nil
}

// leased returns the job if it is running under claimID.
func (j *JobStore) leased(jobID, claimID uuid.UUID) (*domain.Job, error) {
	job, ok := j.s.st.jobs[jobID]
	if !ok || job.Status != domain.JobStatusRunning || job.ClaimID == nil || *job.ClaimID != claimID {
		return nil, fmt.Errorf("%w: job %s", store.ErrLeaseLost, jobID)
	}
	return job, nil
}

// Complete implements store.JobStore.
func (j *JobStore) Complete(_ context.Context, jobID, claimID uuid.UUID, jobCtx domain.JobContext) error {
	defer j.s.lock(j.inTx)()

	job, err := j.leased(jobID, claimID)
	if err != nil {
		return err
	}
	if err := transition(job, domain.JobStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Context = cloneContext(jobCtx)
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.ClaimID = nil
	return nil
}

// Fail implements store.JobStore.
func (j *JobStore) Fail(
	_ context.Context,
	jobID, claimID uuid.UUID,
	failure domain.Failure,
) (domain.JobStatus, error) {
	defer j.s.lock(j.inTx)()

	job, err := j.leased(jobID, claimID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	retry := failure.Retryable && job.AttemptsRemaining()
	next := domain.JobStatusFailed
	if retry {
		next = domain.JobStatusPending
	}
	if err := transition(job, next); err != nil {
		return "", err
	}

	job.Attempts++
	job.ErrorMessage = failure.Message
	job.ErrorDetails = failure.Details
	job.ClaimID = nil
	job.UpdatedAt = now
	if retry {
		retryAfter := failure.RetryAfter
		if retryAfter.IsZero() {
			retryAfter = now
		}
		job.RetryAfter = &retryAfter
		job.CompletedAt = nil
	} else {
		job.RetryAfter = nil
		job.CompletedAt = &now
	}
	return job.Status, nil
}

// ResetStuck implements store.JobStore.
func (j *JobStore) ResetStuck(_ context.Context, params store.ResetStuckParams) ([]*domain.Job, error) {
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	defer j.s.lock(j.inTx)()

	var reset []*domain.Job
	for _, job := range j.s.st.jobs {
		if job.Status != domain.JobStatusRunning || job.StartedAt == nil || !job.StartedAt.Before(params.StartedBefore) {
			continue
		}
		if len(params.Types) > 0 {
			if !slices.Contains(params.Types, job.Type) {
				continue
			}
		} else if slices.Contains(params.ExcludeTypes, job.Type) {
			continue
		}

		next := domain.JobStatusFailed
		if job.AttemptsRemaining() {
			next = domain.JobStatusPending
		}
		if err := transition(job, next); err != nil {
			return nil, err
		}
		if next == domain.JobStatusPending {
			job.CompletedAt = nil
		} else {
			completed := now
			job.CompletedAt = &completed
		}
		job.Attempts++
		job.ErrorMessage = params.Message
		job.ClaimID = nil
		job.ClaimedBy = ""
		job.UpdatedAt = now
		reset = append(reset, cloneJob(job))
	}
	return reset, nil
}

// FailBlocked implements store.JobStore.
func (j *JobStore) FailBlocked(_ context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	defer j.s.lock(j.inTx)()

	var total int64
	for {
		var changed int64
		for _, job := range j.s.st.jobs {
			if job.Status != domain.JobStatusPending {
				continue
			}
			for _, e := range j.s.st.edges[job.ID] {
				if j.s.st.jobs[e.dependsOn].Status != domain.JobStatusFailed {
					continue
				}
				if err := transition(job, domain.JobStatusFailed); err != nil {
					return total, err
				}
				completed := now
				job.CompletedAt = &completed
				job.UpdatedAt = now
				job.ErrorMessage = store.BlockedFailurePrefix + e.dependsOn.String()
				changed++
				break
			}
		}
		if changed == 0 {
			return total, nil
		}
		total += changed
	}
}

// RequeueFailed implements store.JobStore.
func (j *JobStore) RequeueFailed(ctx context.Context, filter store.RequeueFilter) (int64, error) {
	defer j.s.lock(j.inTx)()
	st := &j.s.st

	targets := map[uuid.UUID]bool{}
	var queue []uuid.UUID
	for _, job := range st.jobs {
		if job.Status != domain.JobStatusFailed {
			continue
		}
		if filter.ErrorPrefix != "" && !strings.HasPrefix(job.ErrorMessage, filter.ErrorPrefix) {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, job.Type) {
			continue
		}
		if filter.ProjectID != nil && (job.ProjectID == nil || *job.ProjectID != *filter.ProjectID) {
			continue
		}
		if len(filter.JobIDs) > 0 && !slices.Contains(filter.JobIDs, job.ID) {
			continue
		}
		targets[job.ID] = true
		queue = append(queue, job.ID)
	}

	// Dependents that failed only because of a target are requeued with it.
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for childID, edges := range st.edges {
			if targets[childID] {
				continue
			}
			child := st.jobs[childID]
			if child.Status != domain.JobStatusFailed || !strings.HasPrefix(child.ErrorMessage, store.BlockedFailurePrefix) {
				continue
			}
			for _, e := range edges {
				if e.dependsOn == parent {
					targets[childID] = true
					queue = append(queue, childID)
					break
				}
			}
		}
	}

	now := time.Now().UTC()
	for id := range targets {
		job := st.jobs[id]
		if err := transition(job, domain.JobStatusPending); err != nil {
			return 0, err
		}
		job.Attempts = 0
		job.RetryAfter = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		job.ErrorMessage = ""
		job.ErrorDetails = nil
		job.ClaimID = nil
		job.ClaimedBy = ""
		job.UpdatedAt = now
	}

	logger.FromContextOrDefault(ctx, j.s.logger).Info("requeued failed jobs",
		slog.Int("count", len(targets)),
		slog.String("error_prefix", filter.ErrorPrefix))
	return int64(len(targets)), nil
}

// Stats implements store.JobStore.
func (j *JobStore) Stats(_ context.Context) (store.JobStats, error) {
	defer j.s.lock(j.inTx)()

	var stats store.JobStats
	for _, job := range j.s.st.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
		case domain.JobStatusRunning:
			stats.Running++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
