// Package github fetches commit diffs from the GitHub REST API. Requests are
// authenticated as a GitHub App installation when the push event names one,
// with a personal access token otherwise.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v73/github"
	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"golang.org/x/oauth2"
)

// DiffFetcher implements handlers.DiffFetcher on top of go-github.
type DiffFetcher struct {
	client  *github.Client
	apps    *ghinstallation.AppsTransport
	baseURL *url.URL
	logger  *slog.Logger

	mu            sync.Mutex
	installations map[int64]*github.Client
}

// NewDiffFetcher creates a DiffFetcher from cfg. With an AppID the private
// key is loaded up front so a bad key fails at startup.
func NewDiffFetcher(ctx context.Context, cfg config.GitHubConfig, logger *slog.Logger) (*DiffFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}

	f := &DiffFetcher{
		client:        github.NewClient(httpClient),
		logger:        logger.With(slog.String("component", "github")),
		installations: make(map[int64]*github.Client),
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		f.baseURL = u
		f.client.BaseURL = u
	}

	if cfg.AppID != 0 {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.PrivateKeyPath, err)
		}
		apps, err := ghinstallation.NewAppsTransport(http.DefaultTransport, cfg.AppID, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
		}
		if f.baseURL != nil {
			apps.BaseURL = strings.TrimSuffix(f.baseURL.String(), "/")
		}
		f.apps = apps
	}

	return f, nil
}

// NewDiffFetcherWithClient wraps an existing go-github client. Installation
// ids are ignored.
func NewDiffFetcherWithClient(client *github.Client, logger *slog.Logger) *DiffFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiffFetcher{
		client:        client,
		logger:        logger.With(slog.String("component", "github")),
		installations: make(map[int64]*github.Client),
	}
}

// clientFor returns the client authenticated for installationID, falling
// back to the token client when there is no app or no installation.
func (f *DiffFetcher) clientFor(installationID int64) *github.Client {
	if installationID == 0 || f.apps == nil {
		return f.client
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.installations[installationID]; ok {
		return c
	}
	c := github.NewClient(&http.Client{Transport: ghinstallation.NewFromAppsTransport(f.apps, installationID)})
	if f.baseURL != nil {
		c.BaseURL = f.baseURL
	}
	f.installations[installationID] = c
	return c
}

// FetchDiff returns the unified diff and file statistics of one commit.
func (f *DiffFetcher) FetchDiff(
	ctx context.Context,
	owner, repo, sha string,
	installationID int64,
) (*domain.CommitDiff, error) {
	log := logger.FromContextOrDefault(ctx, f.logger)
	client := f.clientFor(installationID)

	diff := &domain.CommitDiff{}
	opts := &github.ListOptions{PerPage: 100}
	for {
		commit, resp, err := client.Repositories.GetCommit(ctx, owner, repo, sha, opts)
		if err != nil {
			log.Error("failed to get commit", "owner", owner, "repo", repo, "sha", sha, "error", err)
			return nil, classify(err)
		}
		if opts.Page == 0 {
			diff.Additions = commit.GetStats().GetAdditions()
			diff.Deletions = commit.GetStats().GetDeletions()
		}
		for _, file := range commit.Files {
			diff.Files = append(diff.Files, file.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	raw, _, err := client.Repositories.GetCommitRaw(ctx, owner, repo, sha, github.RawOptions{Type: github.Diff})
	if err != nil {
		log.Error("failed to get commit diff", "owner", owner, "repo", repo, "sha", sha, "error", err)
		return nil, classify(err)
	}
	diff.Content = raw
	return diff, nil
}

// classify maps GitHub API errors onto the job error taxonomy. Missing
// commits and repositories are terminal; rate limits retry once the limit
// resets.
func classify(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait < time.Second {
			wait = time.Second
		}
		return job.RetryableAfter(err, wait)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return job.RetryableAfter(err, abuseErr.GetRetryAfter())
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
			return job.Validation(err)
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return job.Validation(fmt.Errorf("github access denied: %w", err))
		}
	}
	return job.Retryable(err)
}
