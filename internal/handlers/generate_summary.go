package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/generation"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

// GenerateSummaryHandler executes generate_summary jobs. The diff is read
// through the input lookup, so it may come from the job's own data or from
// the fetch_diff job it depends on.
type GenerateSummaryHandler struct {
	summarizer Summarizer
	commits    CommitRecorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewGenerateSummaryHandler creates a GenerateSummaryHandler.
func NewGenerateSummaryHandler(summarizer Summarizer, commits CommitRecorder, logger *slog.Logger) *GenerateSummaryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateSummaryHandler{
		summarizer: summarizer,
		commits:    commits,
		logger:     logger,
		now:        time.Now,
	}
}

// Type implements job.Handler.
func (h *GenerateSummaryHandler) Type() domain.JobType { return domain.JobTypeGenerateSummary }

// Execute implements job.Handler.
func (h *GenerateSummaryHandler) Execute(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
	log := logger.FromContextOrDefault(ctx, h.logger)

	data, err := domain.DataAs[*domain.GenerateSummaryData](j)
	if err != nil {
		return nil, job.Validation(err)
	}

	req := generation.Request{
		Repo:    in.String("repo"),
		SHA:     in.String("sha"),
		Message: in.String("message"),
		Author:  in.String("author"),
		Diff:    in.String("diff_content"),
	}
	if req.Diff == "" && req.Message == "" {
		return nil, job.Validationf("%w: no diff content or message for commit %s", domain.ErrEmptyContent, data.CommitID)
	}

	summary, err := h.summarizer.Summarize(ctx, req)
	if err != nil {
		return nil, classifySummaryError(err)
	}

	if err := h.commits.MarkSummarized(ctx, data.CommitID, summary.Text, summary.ChangeType, h.now()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to record summary: %w", err)
		}
		log.Warn("summary generated for unknown commit", slog.String("commit_id", data.CommitID.String()))
	}

	log.Info("summary generated",
		slog.String("commit_id", data.CommitID.String()),
		slog.String("change_type", summary.ChangeType))

	return domain.SummaryResult{
		CommitID:   data.CommitID.String(),
		SHA:        req.SHA,
		Message:    req.Message,
		Author:     req.Author,
		Summary:    summary.Text,
		ChangeType: summary.ChangeType,
	}, nil
}

// classifySummaryError maps summarizer errors onto the job error taxonomy.
func classifySummaryError(err error) error {
	switch {
	case errors.Is(err, generation.ErrQuotaExceeded):
		return job.ResourceExhausted(err)
	case errors.Is(err, generation.ErrContentBlocked),
		errors.Is(err, generation.ErrInvalidConfig),
		errors.Is(err, generation.ErrGenerationFailed):
		return job.Validation(err)
	default:
		return job.Retryable(err)
	}
}
