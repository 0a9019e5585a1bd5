package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/commitcast/internal/domain"
)

// DiffCall records the arguments of one FetchDiff call.
type DiffCall struct {
	Owner          string
	Repo           string
	SHA            string
	InstallationID int64
}

// MockDiffFetcher fakes the source host's diff retrieval.
type MockDiffFetcher struct {
	FetchDiffFn func(ctx context.Context, owner, repo, sha string, installationID int64) (*domain.CommitDiff, error)

	// Diffs maps a SHA to the diff returned for it when FetchDiffFn is nil.
	Diffs map[string]*domain.CommitDiff
	Err   error

	mu    sync.Mutex
	calls []DiffCall
}

// FetchDiff returns the configured diff for sha.
func (m *MockDiffFetcher) FetchDiff(
	ctx context.Context,
	owner, repo, sha string,
	installationID int64,
) (*domain.CommitDiff, error) {
	m.mu.Lock()
	m.calls = append(m.calls, DiffCall{Owner: owner, Repo: repo, SHA: sha, InstallationID: installationID})
	m.mu.Unlock()

	if m.FetchDiffFn != nil {
		return m.FetchDiffFn(ctx, owner, repo, sha, installationID)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if d, ok := m.Diffs[sha]; ok {
		return d, nil
	}
	return &domain.CommitDiff{Content: "diff --git a/README.md b/README.md\n+" + sha + "\n", Files: []string{"README.md"}, Additions: 1}, nil
}

// Calls returns the recorded calls.
func (m *MockDiffFetcher) Calls() []DiffCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DiffCall(nil), m.calls...)
}
