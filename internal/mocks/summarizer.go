package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/generation"
)

// MockSummarizer fakes the LLM summarizer.
type MockSummarizer struct {
	SummarizeFn func(ctx context.Context, req generation.Request) (*generation.Summary, error)

	// Summary and Err are returned when SummarizeFn is nil. A nil Summary
	// yields a summary derived from the request.
	Summary *generation.Summary
	Err     error

	mu       sync.Mutex
	requests []generation.Request
}

// Summarize returns the configured summary.
func (m *MockSummarizer) Summarize(ctx context.Context, req generation.Request) (*generation.Summary, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.SummarizeFn != nil {
		return m.SummarizeFn(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Summary != nil {
		return m.Summary, nil
	}
	return &generation.Summary{Text: "Summary of " + req.SHA, ChangeType: domain.ChangeTypeOther}, nil
}

// Requests returns every request received so far.
func (m *MockSummarizer) Requests() []generation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]generation.Request(nil), m.requests...)
}

// NewMockSummarizerWithError creates a MockSummarizer that always fails with err.
func NewMockSummarizerWithError(err error) *MockSummarizer {
	return &MockSummarizer{Err: err}
}
