package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/redact"
	"github.com/phrazzld/commitcast/internal/store"
	"golang.org/x/sync/semaphore"
)

// Config tunes an Engine.
type Config struct {
	// WorkerID is recorded as claimed_by on every job this engine claims.
	WorkerID string
	// MaxConcurrentJobs bounds the handlers running at once.
	MaxConcurrentJobs int
	PollInterval      time.Duration
	// ShutdownGracePeriod bounds how long Stop waits for in-flight handlers.
	ShutdownGracePeriod time.Duration
	Backoff             Backoff
	Sweeper             SweeperConfig
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WorkerID:            "engine-" + uuid.NewString()[:8],
		MaxConcurrentJobs:   4,
		PollInterval:        2 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		Backoff:             Exponential{Initial: 5 * time.Second, Max: 10 * time.Minute},
		Sweeper:             SweeperConfig{DefaultTimeout: 10 * time.Minute},
	}
}

// ConfigFromSettings converts the engine section of the application config.
func ConfigFromSettings(cfg config.EngineConfig) Config {
	timeouts := make(map[domain.JobType]time.Duration, len(cfg.StuckTimeouts))
	for name, d := range cfg.StuckTimeouts {
		timeouts[domain.JobType(name)] = d
	}
	return Config{
		WorkerID:            cfg.WorkerID,
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		PollInterval:        cfg.PollInterval,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
		Backoff:             Exponential{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		Sweeper:             SweeperConfig{DefaultTimeout: cfg.StuckTimeout, Timeouts: timeouts},
	}
}

// ActiveJob describes a running job in a Status report.
type ActiveJob struct {
	ID        uuid.UUID      `json:"id"`
	Type      domain.JobType `json:"type"`
	Attempt   int            `json:"attempt"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	ClaimedBy string         `json:"claimed_by,omitempty"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty"`
	CommitID  *uuid.UUID     `json:"commit_id,omitempty"`
}

// Status is a point-in-time view of the queue and of this engine.
// Job counts and active jobs cover every engine sharing the store; the
// totals and InFlight cover this engine since it was created.
type Status struct {
	WorkerID             string      `json:"worker_id"`
	Running              bool        `json:"running"`
	PendingJobs          int64       `json:"pending_jobs"`
	RunningJobs          int64       `json:"running_jobs"`
	CompletedJobs        int64       `json:"completed_jobs"`
	FailedJobs           int64       `json:"failed_jobs"`
	EngineProcessedTotal int64       `json:"engine_processed_total"`
	EngineFailedTotal    int64       `json:"engine_failed_total"`
	InFlight             int64       `json:"in_flight"`
	ActiveJobs           []ActiveJob `json:"active_jobs"`
}

// Engine claims and executes jobs. Construct it with NewEngine; several
// engines may run against one store.
type Engine struct {
	jobs     store.JobStore
	registry *Registry
	resolver *Resolver
	sweeper  *Sweeper
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	sem       *semaphore.Weighted
	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	handlers  sync.WaitGroup

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewEngine creates an engine executing the handlers in registry against jobs.
func NewEngine(jobs store.JobStore, registry *Registry, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaults.WorkerID
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.Sweeper.DefaultTimeout <= 0 {
		cfg.Sweeper.DefaultTimeout = defaults.Sweeper.DefaultTimeout
	}

	log := logger.With(
		slog.String("component", "engine"),
		slog.String("worker_id", cfg.WorkerID))

	return &Engine{
		jobs:     jobs,
		registry: registry,
		resolver: NewResolver(jobs),
		sweeper:  NewSweeper(jobs, cfg.Sweeper, log),
		cfg:      cfg,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
	}
}

// Start launches the dispatch loop and returns immediately. Calling Start on
// a running engine does nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if len(e.registry.Types()) == 0 {
		return errors.New("job engine has no registered handlers")
	}

	e.running = true
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})

	e.logger.Info("job engine starting",
		slog.Int("max_concurrent_jobs", e.cfg.MaxConcurrentJobs),
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Any("job_types", e.registry.Types()))

	go e.loop(context.WithoutCancel(ctx))
	return nil
}

// Stop stops claiming new jobs and waits for in-flight handlers to finish,
// for at most the shutdown grace period or until ctx is done. Handlers still
// running after that are left to finish on their own; if the process exits
// first, the sweeper returns their jobs to the queue.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	loopDone := e.loopDone
	e.mu.Unlock()

	e.logger.Info("job engine stopping", slog.Int64("in_flight", e.inFlight.Load()))
	<-loopDone

	if e.cfg.ShutdownGracePeriod > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownGracePeriod)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		e.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("job engine stopped")
		return nil
	case <-ctx.Done():
		left := e.inFlight.Load()
		e.logger.Warn("job engine shutdown grace period elapsed",
			slog.Int64("in_flight", left))
		return fmt.Errorf("%d jobs still running after shutdown grace period: %w", left, ctx.Err())
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.Error("dispatch cycle failed", slog.String("error", err.Error()))
		}
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs one dispatch cycle: reset stuck jobs, fail jobs blocked by a
// failed dependency, then claim and start as many runnable jobs as there are
// free handler slots. It returns the number of jobs started without waiting
// for them; use Wait for that. RunOnce is not meant to be called while the
// engine's own loop is running.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	log := logger.FromContextOrDefault(ctx, e.logger)

	if _, err := e.sweeper.Sweep(ctx); err != nil {
		return 0, err
	}

	now := e.now()
	blocked, err := e.jobs.FailBlocked(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to fail blocked jobs: %w", err)
	}
	if blocked > 0 {
		log.Warn("failed jobs blocked by failed dependencies", slog.Int64("count", blocked))
	}

	capacity := e.cfg.MaxConcurrentJobs - int(e.inFlight.Load())
	if capacity <= 0 {
		return 0, nil
	}

	claimed, err := e.jobs.Claim(ctx, store.ClaimParams{
		Limit:    capacity,
		Types:    e.registry.Types(),
		WorkerID: e.cfg.WorkerID,
		Now:      now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}

	for i, j := range claimed {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// The unstarted jobs stay running until the sweeper resets them.
			log.Error("failed to acquire handler slot",
				slog.Int("unstarted", len(claimed)-i),
				slog.String("error", err.Error()))
			return i, err
		}
		e.inFlight.Add(1)
		e.handlers.Add(1)
		go e.execute(context.WithoutCancel(ctx), j)
	}
	return len(claimed), nil
}

// Wait blocks until every handler started so far has returned.
func (e *Engine) Wait() {
	e.handlers.Wait()
}

// Drain runs cycles and waits for their handlers until a cycle starts
// nothing. It returns the number of jobs executed.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.RunOnce(ctx)
		e.Wait()
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func (e *Engine) execute(ctx context.Context, j *domain.Job) {
	defer func() {
		e.sem.Release(1)
		e.inFlight.Add(-1)
		e.handlers.Done()
	}()

	log := e.logger.With(
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.Attempts+1))
	ctx = logger.WithLogger(ctx, log)

	if j.ClaimID == nil {
		log.Error("claimed job has no claim id")
		return
	}

	start := time.Now()
	jobCtx, result, err := e.run(ctx, j)
	e.processed.Add(1)
	if err != nil {
		e.failed.Add(1)
		e.recordFailure(ctx, j, err)
		return
	}

	jobCtx.Result = result
	if err := e.jobs.Complete(ctx, j.ID, *j.ClaimID, jobCtx); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Warn("job finished after losing its lease; result discarded")
			return
		}
		log.Error("failed to record job completion", slog.String("error", err.Error()))
		return
	}
	log.Info("job completed", slog.Duration("duration", time.Since(start)))
}

// run resolves the job's input and invokes its handler.
func (e *Engine) run(ctx context.Context, j *domain.Job) (domain.JobContext, map[string]any, error) {
	h, ok := e.registry.Get(j.Type)
	if !ok {
		return domain.JobContext{}, nil, Validationf("no handler registered for job type %q", j.Type)
	}

	jobCtx, err := e.resolver.Resolve(ctx, j, e.now())
	if err != nil {
		return domain.JobContext{}, nil, Retryable(err)
	}
	in, err := domain.NewInput(j, jobCtx)
	if err != nil {
		return jobCtx, nil, Validation(err)
	}

	out, err := invoke(ctx, h, j, in)
	if err != nil {
		return jobCtx, nil, err
	}
	result, err := domain.ToResultMap(out)
	if err != nil {
		return jobCtx, nil, Validation(err)
	}
	return jobCtx, result, nil
}

// invoke calls the handler, converting a panic into a retryable error.
func invoke(ctx context.Context, h Handler, j *domain.Job, in domain.Input) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).Error("handler panicked", slog.Any("panic", p))
			out, err = nil, Retryable(&PanicError{Value: p})
		}
	}()
	return h.Execute(ctx, j, in)
}

func (e *Engine) recordFailure(ctx context.Context, j *domain.Job, err error) {
	log := logger.FromContextOrDefault(ctx, e.logger)
	kind := Classify(err)
	now := e.now()

	message := redact.Error(err)
	if kind == KindResourceExhausted && !strings.HasPrefix(message, InsufficientCreditsPrefix) {
		message = InsufficientCreditsPrefix + message
	}

	failure := domain.Failure{
		Message:   message,
		Details:   failureDetails(kind, err),
		Retryable: kind == KindRetryable,
	}
	if failure.Retryable {
		delay := retryDelay(err)
		if delay <= 0 {
			delay = e.cfg.Backoff.Delay(j.Attempts + 1)
		}
		failure.RetryAfter = now.Add(delay)
	}

	status, ferr := e.jobs.Fail(ctx, j.ID, *j.ClaimID, failure)
	if ferr != nil {
		if errors.Is(ferr, store.ErrLeaseLost) {
			log.Warn("job failed after losing its lease", slog.String("error", message))
			return
		}
		log.Error("failed to record job failure",
			slog.String("error", ferr.Error()),
			slog.String("job_error", message))
		return
	}

	if !status.IsTerminal() {
		log.Warn("job failed, will retry",
			slog.String("error", message),
			slog.String("kind", kind.String()),
			slog.Time("retry_after", failure.RetryAfter))
		return
	}
	log.Error("job failed",
		slog.String("error", message),
		slog.String("kind", kind.String()))
}

func failureDetails(kind Kind, err error) json.RawMessage {
	d := map[string]any{"kind": kind.String()}
	for k, v := range details(err) {
		d[k] = v
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		d["panic"] = true
	}
	raw, mErr := json.Marshal(d)
	if mErr != nil {
		return nil
	}
	return raw
}

// Status reports queue counts, the jobs currently running on any engine,
// and this engine's counters.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.jobs.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load job stats: %w", err)
	}
	running, err := e.jobs.List(ctx, store.JobFilter{
		Statuses: []domain.JobStatus{domain.JobStatusRunning},
		Limit:    100,
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to list running jobs: %w", err)
	}

	e.mu.Lock()
	isRunning := e.running
	e.mu.Unlock()

	active := make([]ActiveJob, 0, len(running))
	for _, j := range running {
		active = append(active, ActiveJob{
			ID:        j.ID,
			Type:      j.Type,
			Attempt:   j.Attempts + 1,
			StartedAt: j.StartedAt,
			ClaimedBy: j.ClaimedBy,
			ProjectID: j.ProjectID,
			CommitID:  j.CommitID,
		})
	}

	return Status{
		WorkerID:             e.cfg.WorkerID,
		Running:              isRunning,
		PendingJobs:          stats.Pending,
		RunningJobs:          stats.Running,
		CompletedJobs:        stats.Completed,
		FailedJobs:           stats.Failed,
		EngineProcessedTotal: e.processed.Load(),
		EngineFailedTotal:    e.failed.Load(),
		InFlight:             e.inFlight.Load(),
		ActiveJobs:           active,
	}, nil
}
