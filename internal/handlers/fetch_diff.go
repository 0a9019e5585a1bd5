package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
)

// FetchDiffHandler executes fetch_diff jobs.
type FetchDiffHandler struct {
	fetcher DiffFetcher
	logger  *slog.Logger
}

// NewFetchDiffHandler creates a FetchDiffHandler.
func NewFetchDiffHandler(fetcher DiffFetcher, logger *slog.Logger) *FetchDiffHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchDiffHandler{fetcher: fetcher, logger: logger}
}

// Type implements job.Handler.
func (h *FetchDiffHandler) Type() domain.JobType { return domain.JobTypeFetchDiff }

// Execute implements job.Handler.
func (h *FetchDiffHandler) Execute(ctx context.Context, j *domain.Job, _ domain.Input) (any, error) {
	data, err := domain.DataAs[*domain.FetchDiffData](j)
	if err != nil {
		return nil, job.Validation(err)
	}

	diff, err := h.fetcher.FetchDiff(ctx, data.RepoOwner, data.RepoName, data.SHA, data.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch diff of %s/%s@%s: %w", data.RepoOwner, data.RepoName, data.SHA, err)
	}

	logger.FromContextOrDefault(ctx, h.logger).Debug("diff fetched",
		slog.String("sha", data.SHA),
		slog.Int("files", len(diff.Files)),
		slog.Int("bytes", len(diff.Content)))

	files := diff.Files
	if files == nil {
		files = []string{}
	}
	return domain.FetchDiffResult{
		CommitID:     data.CommitID.String(),
		DiffContent:  diff.Content,
		FilesChanged: files,
		Additions:    diff.Additions,
		Deletions:    diff.Deletions,
	}, nil
}
