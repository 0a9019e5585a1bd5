package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

// SweeperConfig sets how long a job may stay running before it is
// considered abandoned.
type SweeperConfig struct {
	// DefaultTimeout applies to types without an entry in Timeouts.
	DefaultTimeout time.Duration
	Timeouts       map[domain.JobType]time.Duration
}

// Timeout returns the stuck timeout for t.
func (c SweeperConfig) Timeout(t domain.JobType) time.Duration {
	if d, ok := c.Timeouts[t]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// Sweeper resets jobs that have been running longer than their timeout,
// which happens when the engine that claimed them died or hung.
type Sweeper struct {
	jobs   store.JobStore
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper over jobs.
func NewSweeper(jobs store.JobStore, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		jobs:   jobs,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sweeper")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep resets stuck jobs and returns them in their new state. A reset job
// goes back to pending with one more attempt counted, or to failed if that
// was its last attempt.
func (s *Sweeper) Sweep(ctx context.Context) ([]*domain.Job, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := s.now()

	overridden := make([]domain.JobType, 0, len(s.cfg.Timeouts))
	for t := range s.cfg.Timeouts {
		overridden = append(overridden, t)
	}
	sort.Slice(overridden, func(i, j int) bool { return overridden[i] < overridden[j] })

	var reset []*domain.Job
	for _, t := range overridden {
		timeout := s.cfg.Timeout(t)
		jobs, err := s.jobs.ResetStuck(ctx, store.ResetStuckParams{
			StartedBefore: now.Add(-timeout),
			Types:         []domain.JobType{t},
			Message:       stuckMessage(timeout),
			Now:           now,
		})
		if err != nil {
			return reset, fmt.Errorf("failed to reset stuck %s jobs: %w", t, err)
		}
		reset = append(reset, jobs...)
	}

	if s.cfg.DefaultTimeout > 0 {
		jobs, err := s.jobs.ResetStuck(ctx, store.ResetStuckParams{
			StartedBefore: now.Add(-s.cfg.DefaultTimeout),
			ExcludeTypes:  overridden,
			Message:       stuckMessage(s.cfg.DefaultTimeout),
			Now:           now,
		})
		if err != nil {
			return reset, fmt.Errorf("failed to reset stuck jobs: %w", err)
		}
		reset = append(reset, jobs...)
	}

	for _, j := range reset {
		log.Warn("reset stuck job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempts", j.Attempts),
			slog.String("status", string(j.Status)))
	}
	return reset, nil
}

func stuckMessage(timeout time.Duration) string {
	return fmt.Sprintf("job reset after running longer than %s", timeout)
}
