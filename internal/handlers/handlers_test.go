package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/generation"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/mocks"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/platform/memory"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/phrazzld/commitcast/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCommitRecorder mocks the CommitRecorder interface
type MockCommitRecorder struct {
	mock.Mock
}

func (m *MockCommitRecorder) MarkSummarized(
	ctx context.Context,
	id uuid.UUID,
	summary, changeType string,
	at time.Time,
) error {
	args := m.Called(ctx, id, summary, changeType, at)
	return args.Error(0)
}

func (m *MockCommitRecorder) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func newJob(t *testing.T, data domain.Payload) *domain.Job {
	t.Helper()
	j, err := domain.NewJob(domain.NewJobParams{Data: data})
	require.NoError(t, err)
	return j
}

func newInput(t *testing.T, j *domain.Job, jc domain.JobContext) domain.Input {
	t.Helper()
	in, err := domain.NewInput(j, jc)
	require.NoError(t, err)
	return in
}

func recordCommit(t *testing.T, s *memory.Store, sha string) *domain.Commit {
	t.Helper()
	c, err := domain.NewCommit(uuid.New(), "acme", "widgets", domain.CommitRef{SHA: sha, Message: "Add retries", Author: "dev"})
	require.NoError(t, err)
	stored, _, err := s.Commits().Upsert(context.Background(), c)
	require.NoError(t, err)
	return stored
}

func TestFetchDiffHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := &mocks.MockDiffFetcher{Diffs: map[string]*domain.CommitDiff{
		"abc1234": {Content: "diff text", Files: []string{"main.go"}, Additions: 3, Deletions: 1},
	}}
	h := NewFetchDiffHandler(fetcher, nil)

	commitID := uuid.New()
	j := newJob(t, &domain.FetchDiffData{
		CommitID: commitID, RepoOwner: "acme", RepoName: "widgets", SHA: "abc1234", InstallationID: 42,
	})

	out, err := h.Execute(ctx, j, newInput(t, j, domain.JobContext{}))
	require.NoError(t, err)

	result, err := domain.ToResultMap(out)
	require.NoError(t, err)
	assert.Equal(t, "diff text", result["diff_content"])
	assert.Equal(t, commitID.String(), result["commit_id"])
	assert.Equal(t, []any{"main.go"}, result["files_changed"])
	assert.Equal(t, []mocks.DiffCall{{Owner: "acme", Repo: "widgets", SHA: "abc1234", InstallationID: 42}}, fetcher.Calls())

	fetcher.Err = job.Validation(errors.New("commit not found"))
	_, err = h.Execute(ctx, j, newInput(t, j, domain.JobContext{}))
	require.Error(t, err)
	assert.Equal(t, job.KindValidation, job.Classify(err))
}

func TestGenerateSummaryHandler_UsesInheritedDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(nil)
	commit := recordCommit(t, s, "abc1234")

	summarizer := &mocks.MockSummarizer{Summary: &generation.Summary{Text: "Adds retries.", ChangeType: domain.ChangeTypeFeature}}
	h := NewGenerateSummaryHandler(summarizer, s.Commits(), nil)

	j := newJob(t, &domain.GenerateSummaryData{CommitID: commit.ID, Repo: "acme/widgets", SHA: "abc1234", Message: "Add retries"})
	in := newInput(t, j, domain.JobContext{Inherited: map[string]any{"diff_content": "diff text"}})

	out, err := h.Execute(ctx, j, in)
	require.NoError(t, err)

	result := out.(domain.SummaryResult)
	assert.Equal(t, "Adds retries.", result.Summary)
	assert.Equal(t, domain.ChangeTypeFeature, result.ChangeType)
	assert.Equal(t, "abc1234", result.SHA)

	reqs := summarizer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "diff text", reqs[0].Diff)
	assert.Equal(t, "acme/widgets", reqs[0].Repo)

	stored, err := s.Commits().GetByID(ctx, commit.ID)
	require.NoError(t, err)
	assert.Equal(t, "Adds retries.", stored.Summary)
	assert.NotNil(t, stored.SummarizedAt)
}

func TestGenerateSummaryHandler_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		message  string
		diff     string
		wantKind job.Kind
	}{
		{name: "quota exceeded", err: generation.ErrQuotaExceeded, diff: "d", wantKind: job.KindResourceExhausted},
		{name: "content blocked", err: generation.ErrContentBlocked, diff: "d", wantKind: job.KindValidation},
		{name: "rejected request", err: generation.ErrGenerationFailed, diff: "d", wantKind: job.KindValidation},
		{name: "transient", err: generation.ErrTransientFailure, diff: "d", wantKind: job.KindRetryable},
		{name: "invalid response", err: generation.ErrInvalidResponse, diff: "d", wantKind: job.KindRetryable},
		{name: "nothing to summarize", wantKind: job.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			recorder := &MockCommitRecorder{}
			h := NewGenerateSummaryHandler(mocks.NewMockSummarizerWithError(tt.err), recorder, nil)

			j := newJob(t, &domain.GenerateSummaryData{CommitID: uuid.New(), Message: tt.message, DiffContent: tt.diff})
			_, err := h.Execute(context.Background(), j, newInput(t, j, domain.JobContext{}))
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, job.Classify(err))
			recorder.AssertNotCalled(t, "MarkSummarized", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestGenerateSummaryHandler_UnknownCommit(t *testing.T) {
	t.Parallel()

	h := NewGenerateSummaryHandler(&mocks.MockSummarizer{}, memory.New(nil).Commits(), nil)
	j := newJob(t, &domain.GenerateSummaryData{CommitID: uuid.New(), SHA: "abc1234", DiffContent: "diff"})

	out, err := h.Execute(context.Background(), j, newInput(t, j, domain.JobContext{}))
	require.NoError(t, err)
	assert.Equal(t, "Summary of abc1234", out.(domain.SummaryResult).Summary)
}

func TestSendEmailHandler_FanIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(nil)
	c1 := recordCommit(t, s, "aaaaaaa1")
	c2 := recordCommit(t, s, "bbbbbbb2")

	sender := &mocks.MockEmailSender{}
	h := NewSendEmailHandler(sender, s.Commits(), nil)

	j := newJob(t, &domain.SendEmailData{
		Recipients: []string{"team@example.com", "lead@example.com"},
		Subject:    "[acme/widgets] 2 new commits",
		CommitIDs:  []uuid.UUID{c1.ID, c2.ID},
		Repo:       "acme/widgets",
	})
	jc := domain.JobContext{Dependencies: []domain.DependencyResult{
		{JobID: uuid.New(), Type: domain.JobTypeGenerateSummary, Result: map[string]any{
			"commit_id": c1.ID.String(), "sha": "aaaaaaa1", "message": "Add retries\n\nbody",
			"summary": "Adds <retry> support.", "change_type": "feature",
		}},
		{JobID: uuid.New(), Type: domain.JobTypeGenerateSummary, Result: map[string]any{
			"commit_id": c2.ID.String(), "sha": "bbbbbbb2", "message": "Fix typo",
			"summary": "Fixes a typo.", "change_type": "fix",
		}},
	}}

	out, err := h.Execute(ctx, j, newInput(t, j, jc))
	require.NoError(t, err)
	assert.Equal(t, domain.EmailResult{MessageID: "msg-1", Recipients: 2, Commits: 2}, out)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, "[acme/widgets] 2 new commits", msg.Subject)
	assert.Equal(t, []string{"team@example.com", "lead@example.com"}, msg.To)
	assert.Contains(t, msg.HTML, "Adds &lt;retry&gt; support.")
	assert.Contains(t, msg.HTML, "Fixes a typo.")
	assert.Contains(t, msg.Text, "aaaaaaa [feature] Add retries")
	assert.NotContains(t, msg.Text, "body")

	for _, id := range []uuid.UUID{c1.ID, c2.ID} {
		stored, err := s.Commits().GetByID(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, stored.EmailSentAt)
	}
}

func TestSendEmailHandler_Standalone(t *testing.T) {
	t.Parallel()

	sender := &mocks.MockEmailSender{}
	h := NewSendEmailHandler(sender, memory.New(nil).Commits(), nil)

	j := newJob(t, &domain.SendEmailData{Recipients: []string{"team@example.com"}})
	in := newInput(t, j, domain.JobContext{Inherited: map[string]any{"summary": "Adds retries.", "sha": "abc1234def"}})

	_, err := h.Execute(context.Background(), j, in)
	require.NoError(t, err)
	require.Len(t, sender.Sent(), 1)
	assert.Contains(t, sender.Sent()[0].Text, "abc1234 ")

	empty := newJob(t, &domain.SendEmailData{Recipients: []string{"team@example.com"}})
	_, err = h.Execute(context.Background(), empty, newInput(t, empty, domain.JobContext{}))
	require.Error(t, err)
	assert.Equal(t, job.KindValidation, job.Classify(err))
}

func TestSendEmailHandler_BookkeepingFailureKeepsSuccess(t *testing.T) {
	t.Parallel()

	recorder := &MockCommitRecorder{}
	recorder.On("MarkEmailSent", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	sender := &mocks.MockEmailSender{}
	h := NewSendEmailHandler(sender, recorder, nil)

	j := newJob(t, &domain.SendEmailData{Recipients: []string{"team@example.com"}, CommitIDs: []uuid.UUID{uuid.New()}})
	in := newInput(t, j, domain.JobContext{Inherited: map[string]any{"summary": "Adds retries."}})

	_, err := h.Execute(context.Background(), j, in)
	require.NoError(t, err)
	assert.Len(t, sender.Sent(), 1)
	recorder.AssertNumberOfCalls(t, "MarkEmailSent", 1)
}

func TestSendEmailHandler_SenderFailure(t *testing.T) {
	t.Parallel()

	recorder := &MockCommitRecorder{}
	sender := &mocks.MockEmailSender{Err: job.ResourceExhausted(errors.New("402 payment required"))}
	h := NewSendEmailHandler(sender, recorder, nil)

	j := newJob(t, &domain.SendEmailData{Recipients: []string{"team@example.com"}, CommitIDs: []uuid.UUID{uuid.New()}})
	in := newInput(t, j, domain.JobContext{Inherited: map[string]any{"summary": "Adds retries."}})

	_, err := h.Execute(context.Background(), j, in)
	require.Error(t, err)
	assert.Equal(t, job.KindResourceExhausted, job.Classify(err))
	recorder.AssertNotCalled(t, "MarkEmailSent", mock.Anything, mock.Anything, mock.Anything)
}

func webhookJob(t *testing.T, projectID uuid.UUID, digest bool, shas ...string) *domain.Job {
	t.Helper()
	data := &domain.WebhookProcessingData{
		DeliveryID: uuid.NewString(),
		ProjectID:  projectID,
		RepoOwner:  "acme",
		RepoName:   "widgets",
		Recipients: []string{"team@example.com"},
		Digest:     digest,
	}
	for _, sha := range shas {
		data.Commits = append(data.Commits, domain.CommitRef{SHA: sha, Message: "commit " + sha, Author: "dev"})
	}
	return newJob(t, data)
}

func TestWebhookHandler_BuildsWorkflowPerCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(nil)
	h := NewWebhookHandler(s, workflow.NewBuilder(s, s.Jobs(), nil), 5, nil)

	j := webhookJob(t, uuid.New(), false, "aaaaaaa1", "bbbbbbb2")
	out, err := h.Execute(ctx, j, newInput(t, j, domain.JobContext{}))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessingResult{CommitsRecorded: 2, WorkflowsCreated: 2}, out)

	stats, err := s.Jobs().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Pending)

	created, err := s.Jobs().List(ctx, store.JobFilter{Types: []domain.JobType{domain.JobTypeFetchDiff}})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, 5, created[0].MaxAttempts)

	// Redelivery of the same push is a no-op.
	again, err := h.Execute(ctx, j, newInput(t, j, domain.JobContext{}))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessingResult{WorkflowsSkipped: 2}, again)
}

func TestWebhookHandler_Digest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New(nil)
	h := NewWebhookHandler(s, workflow.NewBuilder(s, s.Jobs(), nil), 0, nil)

	j := webhookJob(t, uuid.New(), true, "aaaaaaa1", "bbbbbbb2", "ccccccc3")
	out, err := h.Execute(ctx, j, newInput(t, j, domain.JobContext{}))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookProcessingResult{CommitsRecorded: 3, WorkflowsCreated: 3}, out)

	emails, err := s.Jobs().List(ctx, store.JobFilter{Types: []domain.JobType{domain.JobTypeSendEmail}})
	require.NoError(t, err)
	require.Len(t, emails, 1)

	deps, err := s.Jobs().Dependencies(ctx, emails[0].ID)
	require.NoError(t, err)
	assert.Len(t, deps, 3)
}

func TestPipeline_PushToEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log, _ := logger.NewTestLogger()
	s := memory.New(log)

	fetcher := &mocks.MockDiffFetcher{}
	summarizer := &mocks.MockSummarizer{}
	sender := &mocks.MockEmailSender{}
	registry := NewRegistry(Dependencies{
		Transactor: s,
		Builder:    workflow.NewBuilder(s, s.Jobs(), log),
		Diffs:      fetcher,
		Summarizer: summarizer,
		Email:      sender,
		Commits:    s.Commits(),
		Logger:     log,
	})
	engine := job.NewEngine(s.Jobs(), registry, job.Config{
		WorkerID:          "pipeline-test",
		MaxConcurrentJobs: 4,
		PollInterval:      10 * time.Millisecond,
		Backoff:           job.Constant(0),
		Sweeper:           job.SweeperConfig{DefaultTimeout: time.Minute},
	}, log)

	root := webhookJob(t, uuid.New(), true, "aaaaaaa1", "bbbbbbb2")
	require.NoError(t, s.Jobs().CreateJob(ctx, root, nil))

	n, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "webhook, two fetch_diff, two generate_summary, one send_email")

	stats, err := s.Jobs().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.JobStats{Completed: 6}, stats)

	reqs := summarizer.Requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Contains(t, r.Diff, r.SHA, "summary input comes from the fetched diff")
	}

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[acme/widgets] 2 new commits", sent[0].Subject)
	assert.Contains(t, sent[0].Text, "Summary of aaaaaaa1")
	assert.Contains(t, sent[0].Text, "Summary of bbbbbbb2")
}
