package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/generation"
	"github.com/phrazzld/commitcast/internal/workflow"
)

// DiffFetcher retrieves the change set of a commit from the source host.
type DiffFetcher interface {
	FetchDiff(ctx context.Context, owner, repo, sha string, installationID int64) (*domain.CommitDiff, error)
}

// Summarizer produces a short description of a commit from its diff.
type Summarizer interface {
	Summarize(ctx context.Context, req generation.Request) (*generation.Summary, error)
}

// EmailSender delivers a rendered message and returns the provider's message id.
type EmailSender interface {
	Send(ctx context.Context, msg domain.EmailMessage) (string, error)
}

// CommitRecorder updates commit records once their work has succeeded.
// store.CommitStore satisfies it.
type CommitRecorder interface {
	MarkSummarized(ctx context.Context, id uuid.UUID, summary, changeType string, at time.Time) error
	MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error
}

// WorkflowBuilder creates job chains for commits. *workflow.Builder satisfies it.
type WorkflowBuilder interface {
	BuildCommitWorkflow(ctx context.Context, p workflow.CommitWorkflowParams) (*workflow.CommitWorkflow, error)
	BuildDigestWorkflow(ctx context.Context, p workflow.DigestWorkflowParams) (*workflow.DigestWorkflow, error)
}
