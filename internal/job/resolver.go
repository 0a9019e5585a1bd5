package job

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/store"
)

// Resolver builds a job's input from the results of its dependencies.
type Resolver struct {
	jobs store.JobStore
}

// NewResolver creates a Resolver reading dependencies from jobs.
func NewResolver(jobs store.JobStore) *Resolver {
	return &Resolver{jobs: jobs}
}

// ErrDependenciesNotSatisfied is returned by Resolve when a claimed job's
// dependencies are no longer all completed.
var ErrDependenciesNotSatisfied = errors.New("dependencies not satisfied at execution")

// IsRunnable reports whether job may run at now given the current state of
// its dependencies. A job already claimed is judged as if still pending.
func (r *Resolver) IsRunnable(job *domain.Job, deps []domain.DependencyState, now time.Time) bool {
	if job.Status == domain.JobStatusRunning {
		pending := *job
		pending.Status = domain.JobStatusPending
		job = &pending
	}
	return domain.IsRunnable(job, deps, now)
}

// Resolve returns the context job executes with: its stored context with
// Inherited and Dependencies rebuilt from the dependencies' results.
// Dependencies are merged in declaration order, so later dependencies win
// on key collisions. The job's own Result is kept.
//
// A job whose dependencies are not runnable at now was claimed against a
// stale view and yields ErrDependenciesNotSatisfied.
func (r *Resolver) Resolve(ctx context.Context, job *domain.Job, now time.Time) (domain.JobContext, error) {
	deps, err := r.jobs.Dependencies(ctx, job.ID)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("failed to load dependencies of job %s: %w", job.ID, err)
	}
	if !r.IsRunnable(job, deps, now) {
		return domain.JobContext{}, fmt.Errorf("job %s: %w", job.ID, ErrDependenciesNotSatisfied)
	}
	return Merge(job.Context, deps)
}

// Merge folds completed dependency results into base.
func Merge(base domain.JobContext, deps []domain.DependencyState) (domain.JobContext, error) {
	out := domain.JobContext{Result: maps.Clone(base.Result)}
	if len(deps) == 0 {
		out.Inherited = maps.Clone(base.Inherited)
		return out, nil
	}

	out.Inherited = make(map[string]any)
	out.Dependencies = make([]domain.DependencyResult, 0, len(deps))
	for _, dep := range deps {
		if dep.Status != domain.JobStatusCompleted {
			return domain.JobContext{}, fmt.Errorf("dependency %s is %s", dep.JobID, dep.Status)
		}
		maps.Copy(out.Inherited, dep.Result)
		out.Dependencies = append(out.Dependencies, domain.DependencyResult{
			JobID:  dep.JobID,
			Type:   dep.Type,
			Result: dep.Result,
		})
	}
	return out, nil
}
