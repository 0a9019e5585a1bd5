package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/phrazzld/commitcast/internal/workflow"
)

// WebhookHandler executes webhook_processing jobs: it records the pushed
// commits and builds a workflow for each of them, or a single digest when
// the event asks for one.
type WebhookHandler struct {
	tx          store.Transactor
	builder     WorkflowBuilder
	maxAttempts int
	logger      *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. maxAttempts is applied to the
// jobs of the workflows it builds; zero uses the domain default.
func NewWebhookHandler(tx store.Transactor, builder WorkflowBuilder, maxAttempts int, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		tx:          tx,
		builder:     builder,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Type implements job.Handler.
func (h *WebhookHandler) Type() domain.JobType { return domain.JobTypeWebhookProcessing }

// Execute implements job.Handler. Re-running it after a partial failure is
// safe: commits are upserted and workflows already built are skipped.
func (h *WebhookHandler) Execute(ctx context.Context, j *domain.Job, _ domain.Input) (any, error) {
	log := logger.FromContextOrDefault(ctx, h.logger)

	data, err := domain.DataAs[*domain.WebhookProcessingData](j)
	if err != nil {
		return nil, job.Validation(err)
	}

	var (
		commits []*domain.Commit
		created int
	)
	err = h.tx.InTransaction(ctx, func(ctx context.Context, s store.Stores) error {
		commits, created = nil, 0
		for _, ref := range data.Commits {
			c, err := domain.NewCommit(data.ProjectID, data.RepoOwner, data.RepoName, ref)
			if err != nil {
				return job.Validation(fmt.Errorf("commit %s: %w", ref.SHA, err))
			}
			stored, isNew, err := s.Commits.Upsert(ctx, c)
			if err != nil {
				return fmt.Errorf("failed to record commit %s: %w", ref.SHA, err)
			}
			if isNew {
				created++
			}
			commits = append(commits, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := domain.WebhookProcessingResult{CommitsRecorded: created}

	if data.Digest && len(data.Recipients) > 0 {
		digest, err := h.builder.BuildDigestWorkflow(ctx, workflow.DigestWorkflowParams{
			ProjectID:      data.ProjectID,
			Commits:        commits,
			InstallationID: data.InstallationID,
			Recipients:     data.Recipients,
			Priority:       j.Priority,
			MaxAttempts:    h.maxAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build digest workflow: %w", err)
		}
		for _, chain := range digest.Chains {
			countChain(&result, chain)
		}
	} else {
		for _, c := range commits {
			chain, err := h.builder.BuildCommitWorkflow(ctx, workflow.CommitWorkflowParams{
				Commit:         c,
				InstallationID: data.InstallationID,
				Recipients:     data.Recipients,
				Priority:       j.Priority,
				MaxAttempts:    h.maxAttempts,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to build workflow for commit %s: %w", c.ShortSHA(), err)
			}
			countChain(&result, chain)
		}
	}

	log.Info("push event processed",
		slog.String("delivery_id", data.DeliveryID),
		slog.String("repo", data.RepoOwner+"/"+data.RepoName),
		slog.Int("commits_recorded", result.CommitsRecorded),
		slog.Int("workflows_created", result.WorkflowsCreated),
		slog.Int("workflows_skipped", result.WorkflowsSkipped))

	return result, nil
}

func countChain(r *domain.WebhookProcessingResult, chain *workflow.CommitWorkflow) {
	if chain.Created {
		r.WorkflowsCreated++
	} else {
		r.WorkflowsSkipped++
	}
}
