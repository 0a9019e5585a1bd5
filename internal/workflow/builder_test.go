package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/memory"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommit(t *testing.T, projectID uuid.UUID, sha, message string) *domain.Commit {
	t.Helper()
	c, err := domain.NewCommit(projectID, "acme", "widgets", domain.CommitRef{SHA: sha, Message: message, Author: "dev"})
	require.NoError(t, err)
	return c
}

func newBuilder() (*Builder, *memory.Store) {
	s := memory.New(nil)
	return NewBuilder(s, s.Jobs(), nil), s
}

func TestBuildCommitWorkflow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, s := newBuilder()
	c := newCommit(t, uuid.New(), "abc1234def", "Add retries\n\nLonger body")

	wf, err := b.BuildCommitWorkflow(ctx, CommitWorkflowParams{
		Commit:     c,
		Recipients: []string{"team@example.com"},
		Priority:   5,
	})
	require.NoError(t, err)
	require.True(t, wf.Created)
	require.NotNil(t, wf.SendEmail)

	jobs := s.Jobs()
	summaryDeps, err := jobs.Dependencies(ctx, wf.GenerateSummary.ID)
	require.NoError(t, err)
	require.Len(t, summaryDeps, 1)
	assert.Equal(t, wf.FetchDiff.ID, summaryDeps[0].JobID)

	emailDeps, err := jobs.Dependencies(ctx, wf.SendEmail.ID)
	require.NoError(t, err)
	require.Len(t, emailDeps, 1)
	assert.Equal(t, wf.GenerateSummary.ID, emailDeps[0].JobID)

	email, err := domain.DataAs[*domain.SendEmailData](wf.SendEmail)
	require.NoError(t, err)
	assert.Equal(t, "[acme/widgets] abc1234: Add retries", email.Subject)
	assert.Equal(t, []uuid.UUID{c.ID}, email.CommitIDs)

	fetch, err := domain.DataAs[*domain.FetchDiffData](wf.FetchDiff)
	require.NoError(t, err)
	assert.Equal(t, "abc1234def", fetch.SHA)
	assert.Equal(t, 5, wf.FetchDiff.Priority)
	assert.Equal(t, &c.ID, wf.FetchDiff.CommitID)
}

func TestBuildCommitWorkflow_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, s := newBuilder()
	c := newCommit(t, uuid.New(), "abc1234", "fix")
	params := CommitWorkflowParams{Commit: c, Recipients: []string{"team@example.com"}}

	first, err := b.BuildCommitWorkflow(ctx, params)
	require.NoError(t, err)

	second, err := b.BuildCommitWorkflow(ctx, params)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.FetchDiff.ID, second.FetchDiff.ID)
	assert.Equal(t, first.GenerateSummary.ID, second.GenerateSummary.ID)
	assert.Equal(t, first.SendEmail.ID, second.SendEmail.ID)

	stats, err := s.Jobs().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending)
}

func TestBuildCommitWorkflow_ConcurrentBuilds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, s := newBuilder()
	c := newCommit(t, uuid.New(), "abc1234", "fix")

	var wg sync.WaitGroup
	created := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wf, err := b.BuildCommitWorkflow(ctx, CommitWorkflowParams{Commit: c})
			if assert.NoError(t, err) {
				created <- wf.Created
			}
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for ok := range created {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)

	stats, err := s.Jobs().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending, "fetch_diff and generate_summary only")
}

func TestBuildCommitWorkflow_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, s := newBuilder()
	c := newCommit(t, uuid.New(), "abc1234", "fix")

	_, err := b.BuildCommitWorkflow(ctx, CommitWorkflowParams{
		Commit:     c,
		Recipients: []string{"not-an-email"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidJobData))

	stats, err := s.Jobs().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending, "partial chain must be rolled back")
}

func TestBuildDigestWorkflow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, s := newBuilder()
	projectID := uuid.New()
	c1 := newCommit(t, projectID, "aaaaaaa1", "first")
	c2 := newCommit(t, projectID, "bbbbbbb2", "second")
	c3 := newCommit(t, projectID, "ccccccc3", "third")

	// c1 was already handled by an earlier push.
	_, err := b.BuildCommitWorkflow(ctx, CommitWorkflowParams{Commit: c1})
	require.NoError(t, err)

	digest, err := b.BuildDigestWorkflow(ctx, DigestWorkflowParams{
		ProjectID:  projectID,
		Commits:    []*domain.Commit{c1, c2, c3},
		Recipients: []string{"team@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, digest.Chains, 3)
	assert.False(t, digest.Chains[0].Created)
	assert.True(t, digest.Chains[1].Created)
	require.NotNil(t, digest.SendEmail)

	deps, err := s.Jobs().Dependencies(ctx, digest.SendEmail.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, digest.Chains[1].GenerateSummary.ID, deps[0].JobID)
	assert.Equal(t, digest.Chains[2].GenerateSummary.ID, deps[1].JobID)

	email, err := domain.DataAs[*domain.SendEmailData](digest.SendEmail)
	require.NoError(t, err)
	assert.Equal(t, "[acme/widgets] 2 new commits", email.Subject)
	assert.Equal(t, []uuid.UUID{c2.ID, c3.ID}, email.CommitIDs)

	again, err := b.BuildDigestWorkflow(ctx, DigestWorkflowParams{
		ProjectID:  projectID,
		Commits:    []*domain.Commit{c2, c3},
		Recipients: []string{"team@example.com"},
	})
	require.NoError(t, err)
	assert.Nil(t, again.SendEmail, "no new commits, no new email")
}

func TestBuildDigestWorkflow_Validation(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder()
	c := newCommit(t, uuid.New(), "abc1234", "fix")

	_, err := b.BuildDigestWorkflow(context.Background(), DigestWorkflowParams{Commits: []*domain.Commit{c}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = b.BuildDigestWorkflow(context.Background(), DigestWorkflowParams{Recipients: []string{"a@example.com"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLoadChain_NotFound(t *testing.T) {
	t.Parallel()
	_, err := loadChain(context.Background(), memory.New(nil).Jobs(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
