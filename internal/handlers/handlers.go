package handlers

import (
	"log/slog"

	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/store"
)

// Dependencies holds the collaborators of the pipeline handlers.
type Dependencies struct {
	Transactor  store.Transactor
	Builder     WorkflowBuilder
	Diffs       DiffFetcher
	Summarizer  Summarizer
	Email       EmailSender
	Commits     CommitRecorder
	MaxAttempts int
	Logger      *slog.Logger
}

// NewRegistry returns a job registry holding a handler for every job type.
func NewRegistry(deps Dependencies) *job.Registry {
	return job.NewRegistry(
		NewWebhookHandler(deps.Transactor, deps.Builder, deps.MaxAttempts, deps.Logger),
		NewFetchDiffHandler(deps.Diffs, deps.Logger),
		NewGenerateSummaryHandler(deps.Summarizer, deps.Commits, deps.Logger),
		NewSendEmailHandler(deps.Email, deps.Commits, deps.Logger),
	)
}
