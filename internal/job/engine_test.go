package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/platform/memory"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		WorkerID:          "test-engine",
		MaxConcurrentJobs: 4,
		PollInterval:      10 * time.Millisecond,
		Backoff:           Constant(0),
		Sweeper:           SweeperConfig{DefaultTimeout: 10 * time.Minute},
	}
}

func newTestEngine(t *testing.T, cfg Config, handlers ...Handler) (*Engine, *memory.JobStore) {
	t.Helper()
	log, _ := logger.NewTestLogger()
	jobs := memory.New(log).Jobs()
	return NewEngine(jobs, NewRegistry(handlers...), cfg, log), jobs
}

func emailJob(t *testing.T, jobs store.JobStore, dependsOn ...uuid.UUID) *domain.Job {
	t.Helper()
	j, err := domain.NewJob(domain.NewJobParams{
		Data: &domain.SendEmailData{Recipients: []string{"team@example.com"}},
	})
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(context.Background(), j, dependsOn))
	return j
}

func emailHandler(fn func(ctx context.Context, j *domain.Job, in domain.Input) (any, error)) Handler {
	return HandlerFunc{JobType: domain.JobTypeSendEmail, Fn: fn}
}

func getJob(t *testing.T, jobs store.JobStore, id uuid.UUID) *domain.Job {
	t.Helper()
	j, err := jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestEngine_CommitChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	commitID := uuid.New()

	var summaryInput, emailSummaries []string
	var mu sync.Mutex

	engine, jobs := newTestEngine(t, testConfig(),
		HandlerFunc{JobType: domain.JobTypeFetchDiff, Fn: func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			return domain.FetchDiffResult{
				CommitID:    in.String("commit_id"),
				DiffContent: "diff --git a/main.go b/main.go",
				Additions:   3,
			}, nil
		}},
		HandlerFunc{JobType: domain.JobTypeGenerateSummary, Fn: func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			mu.Lock()
			summaryInput = append(summaryInput, in.String("diff_content"))
			mu.Unlock()
			return domain.SummaryResult{
				CommitID:   in.String("commit_id"),
				Summary:    "adds retries",
				ChangeType: domain.ChangeTypeFeature,
			}, nil
		}},
		emailHandler(func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			mu.Lock()
			for _, r := range in.Context().ResultsOfType(domain.JobTypeGenerateSummary) {
				emailSummaries = append(emailSummaries, r["summary"].(string))
			}
			mu.Unlock()
			return domain.EmailResult{MessageID: "msg-1", Recipients: 1, Commits: 1}, nil
		}),
	)

	fetch, err := domain.NewJob(domain.NewJobParams{
		Data: &domain.FetchDiffData{
			CommitID: commitID, RepoOwner: "acme", RepoName: "widgets", SHA: "0123abcd",
		},
		CommitID: &commitID,
	})
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(ctx, fetch, nil))

	summary, err := domain.NewJob(domain.NewJobParams{
		Data:     &domain.GenerateSummaryData{CommitID: commitID, Message: "retry failed calls"},
		CommitID: &commitID,
	})
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(ctx, summary, []uuid.UUID{fetch.ID}))

	email := emailJob(t, jobs, summary.ID)

	n, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []uuid.UUID{fetch.ID, summary.ID, email.ID} {
		assert.Equal(t, domain.JobStatusCompleted, getJob(t, jobs, id).Status)
	}
	assert.Equal(t, []string{"diff --git a/main.go b/main.go"}, summaryInput)
	assert.Equal(t, []string{"adds retries"}, emailSummaries)

	stored := getJob(t, jobs, email.ID)
	assert.Equal(t, "msg-1", stored.Context.Result["message_id"])
	assert.Equal(t, "adds retries", stored.Context.Inherited["summary"])

	// Completion order follows the dependency chain.
	f, s, e := getJob(t, jobs, fetch.ID), getJob(t, jobs, summary.ID), stored
	assert.False(t, s.StartedAt.Before(*f.CompletedAt))
	assert.False(t, e.StartedAt.Before(*s.CompletedAt))
}

func TestEngine_RunRejectsStaleClaim(t *testing.T) {
	t.Parallel()
	var called atomic.Bool
	e, jobs := newTestEngine(t, testConfig(), emailHandler(func(context.Context, *domain.Job, domain.Input) (any, error) {
		called.Store(true)
		return nil, nil
	}))

	parent := emailJob(t, jobs)
	child := getJob(t, jobs, emailJob(t, jobs, parent.ID).ID)
	child.Status = domain.JobStatusRunning

	_, _, err := e.run(context.Background(), child)
	require.ErrorIs(t, err, ErrDependenciesNotSatisfied)
	assert.Equal(t, KindRetryable, Classify(err))
	assert.False(t, called.Load(), "handler must not run before its dependencies complete")
}

func TestEngine_RetryExhaustion(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	engine, jobs := newTestEngine(t, testConfig(), emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			calls.Add(1)
			return nil, errors.New("smtp relay unavailable")
		}))
	j := emailJob(t, jobs)

	_, err := engine.Drain(context.Background())
	require.NoError(t, err)

	stored := getJob(t, jobs, j.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "smtp relay unavailable", stored.ErrorMessage)
	assert.JSONEq(t, `{"kind":"retryable"}`, string(stored.ErrorDetails))

	status, err := engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.EngineProcessedTotal)
	assert.Equal(t, int64(3), status.EngineFailedTotal)
	assert.Equal(t, int64(1), status.FailedJobs)
}

func TestEngine_RetryAfterBackoff(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backoff = Constant(time.Hour)
	engine, jobs := newTestEngine(t, cfg, emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			return nil, errors.New("temporary")
		}))
	j := emailJob(t, jobs)

	n, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "job must wait out its backoff")

	stored := getJob(t, jobs, j.ID)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
	require.NotNil(t, stored.RetryAfter)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *stored.RetryAfter, time.Minute)
}

func TestEngine_FailureClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantAttempts int
		wantMessage  string
	}{
		{
			name:         "validation fails immediately",
			err:          Validationf("recipient list is empty"),
			wantAttempts: 1,
			wantMessage:  "recipient list is empty",
		},
		{
			name:         "domain validation error fails immediately",
			err:          fmt.Errorf("decode: %w", domain.ErrInvalidJobData),
			wantAttempts: 1,
			wantMessage:  "decode: invalid job data",
		},
		{
			name:         "resource exhaustion is prefixed",
			err:          ResourceExhausted(errors.New("monthly quota used")),
			wantAttempts: 1,
			wantMessage:  InsufficientCreditsPrefix + "monthly quota used",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, jobs := newTestEngine(t, testConfig(), emailHandler(
				func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
					return nil, tt.err
				}))
			j := emailJob(t, jobs)

			_, err := engine.Drain(context.Background())
			require.NoError(t, err)

			stored := getJob(t, jobs, j.ID)
			assert.Equal(t, domain.JobStatusFailed, stored.Status)
			assert.Equal(t, tt.wantAttempts, stored.Attempts)
			assert.Equal(t, tt.wantMessage, stored.ErrorMessage)
		})
	}
}

func TestEngine_ResourceExhaustedRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var exhausted atomic.Bool
	exhausted.Store(true)

	engine, jobs := newTestEngine(t, testConfig(), emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			if exhausted.Load() {
				return nil, ResourceExhausted(errors.New("no credits left"))
			}
			return domain.EmailResult{MessageID: "ok"}, nil
		}))
	parent := emailJob(t, jobs)
	child := emailJob(t, jobs, parent.ID)

	_, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, getJob(t, jobs, parent.ID).Status)
	blocked := getJob(t, jobs, child.ID)
	assert.Equal(t, domain.JobStatusFailed, blocked.Status)
	assert.True(t, strings.HasPrefix(blocked.ErrorMessage, store.BlockedFailurePrefix))

	exhausted.Store(false)
	n, err := jobs.RequeueFailed(ctx, store.RequeueFilter{ErrorPrefix: "insufficient credits"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, getJob(t, jobs, parent.ID).Status)
	assert.Equal(t, domain.JobStatusCompleted, getJob(t, jobs, child.ID).Status)
}

func TestEngine_PanicIsRetryable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	engine, jobs := newTestEngine(t, testConfig(), emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			if calls.Add(1) == 1 {
				panic("nil map write")
			}
			return domain.EmailResult{MessageID: "second-try"}, nil
		}))
	j := emailJob(t, jobs)

	_, err := engine.Drain(context.Background())
	require.NoError(t, err)

	stored := getJob(t, jobs, j.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_ConcurrencyCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 2

	release := make(chan struct{})
	var running, peak atomic.Int32
	engine, jobs := newTestEngine(t, cfg, emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil, nil
		}))
	for i := 0; i < 5; i++ {
		emailJob(t, jobs)
	}

	n, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no capacity while two handlers run")

	close(release)
	engine.Wait()

	_, err = engine.Drain(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	stats, err := jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Completed)
}

func TestEngine_RecoversStuckJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, jobs := newTestEngine(t, testConfig(), emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			return domain.EmailResult{MessageID: "recovered"}, nil
		}))
	j, err := domain.NewJob(domain.NewJobParams{
		Data:         &domain.SendEmailData{Recipients: []string{"team@example.com"}},
		ScheduledFor: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(ctx, j, nil))

	// A dead engine claimed the job an hour ago.
	claimed, err := jobs.Claim(ctx, store.ClaimParams{Limit: 1, WorkerID: "dead", Now: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = engine.Drain(ctx)
	require.NoError(t, err)

	stored := getJob(t, jobs, j.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "test-engine", stored.ClaimedBy)

	// The dead engine's late report is rejected.
	err = jobs.Complete(ctx, j.ID, *claimed[0].ClaimID, domain.JobContext{})
	assert.ErrorIs(t, err, store.ErrLeaseLost)
}

func TestEngine_TwoEnginesNoDoubleExecution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log, _ := logger.NewTestLogger()
	jobs := memory.New(log).Jobs()

	var mu sync.Mutex
	executions := map[uuid.UUID]int{}
	handler := emailHandler(func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
		mu.Lock()
		executions[j.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil, nil
	})
	for i := 0; i < 30; i++ {
		emailJob(t, jobs)
	}

	cfgA, cfgB := testConfig(), testConfig()
	cfgA.WorkerID, cfgB.WorkerID = "a", "b"
	engines := []*Engine{
		NewEngine(jobs, NewRegistry(handler), cfgA, log),
		NewEngine(jobs, NewRegistry(handler), cfgB, log),
	}

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			_, err := e.Drain(ctx)
			assert.NoError(t, err)
		}(e)
	}
	wg.Wait()

	assert.Len(t, executions, 30)
	for id, n := range executions {
		assert.Equal(t, 1, n, "job %s executed %d times", id, n)
	}
}

func TestEngine_StartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, jobs := newTestEngine(t, testConfig(), emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			return domain.EmailResult{MessageID: "looped"}, nil
		}))

	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Start(ctx), "second start is a no-op")

	j := emailJob(t, jobs)
	require.Eventually(t, func() bool {
		return getJob(t, jobs, j.ID).Status == domain.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)

	require.NoError(t, engine.Stop(ctx))
	require.NoError(t, engine.Stop(ctx), "second stop is a no-op")
}

func TestEngine_StopGracePeriod(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	cfg.ShutdownGracePeriod = 50 * time.Millisecond

	started := make(chan struct{})
	release := make(chan struct{})
	engine, jobs := newTestEngine(t, cfg, emailHandler(
		func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			close(started)
			<-release
			return nil, nil
		}))
	emailJob(t, jobs)

	require.NoError(t, engine.Start(ctx))
	<-started

	err := engine.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	engine.Wait()
}

func TestEngine_StartWithoutHandlers(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t, testConfig())
	assert.Error(t, engine.Start(context.Background()))
}

func TestEngine_SkipsUnregisteredTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, jobs := newTestEngine(t, testConfig(), HandlerFunc{
		JobType: domain.JobTypeFetchDiff,
		Fn: func(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
			return nil, nil
		},
	})
	j := emailJob(t, jobs)

	n, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.JobStatusPending, getJob(t, jobs, j.ID).Status)
}
