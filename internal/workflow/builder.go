package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

// errChainExists aborts the transaction of a workflow that was built before.
var errChainExists = errors.New("workflow already exists")

// CommitWorkflowParams describes the chain to build for one commit.
type CommitWorkflowParams struct {
	Commit         *domain.Commit
	InstallationID int64
	// Recipients of the notification. With no recipients the chain ends
	// at generate_summary.
	Recipients  []string
	Priority    int
	MaxAttempts int
}

// CommitWorkflow is the fetch_diff → generate_summary → send_email chain of
// one commit. SendEmail is nil for chains built without recipients.
type CommitWorkflow struct {
	CommitID        uuid.UUID
	FetchDiff       *domain.Job
	GenerateSummary *domain.Job
	SendEmail       *domain.Job
	// Created is false when the chain already existed and was returned as is.
	Created bool
}

// DigestWorkflowParams describes a digest: one chain per commit without its
// own email, and a single send_email depending on every summary.
type DigestWorkflowParams struct {
	ProjectID      uuid.UUID
	Commits        []*domain.Commit
	InstallationID int64
	Recipients     []string
	Subject        string
	Priority       int
	MaxAttempts    int
}

// DigestWorkflow is the result of BuildDigestWorkflow.
type DigestWorkflow struct {
	// Chains holds a chain per commit, including chains that already existed.
	Chains []*CommitWorkflow
	// SendEmail is nil when every commit already had a chain.
	SendEmail *domain.Job
}

// Builder creates job chains for commits. Each build runs in one
// transaction, so a chain is either created completely or not at all.
type Builder struct {
	tx     store.Transactor
	jobs   store.JobStore
	logger *slog.Logger
}

// NewBuilder creates a Builder. jobs is used outside transactions to load
// chains that already exist.
func NewBuilder(tx store.Transactor, jobs store.JobStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		tx:     tx,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "workflow_builder")),
	}
}

// BuildCommitWorkflow creates the chain for p.Commit. Building the same
// commit again returns the existing chain with Created set to false.
func (b *Builder) BuildCommitWorkflow(ctx context.Context, p CommitWorkflowParams) (*CommitWorkflow, error) {
	log := logger.FromContextOrDefault(ctx, b.logger)
	if p.Commit == nil {
		return nil, fmt.Errorf("%w: commit is required", domain.ErrValidation)
	}

	var wf *CommitWorkflow
	err := b.tx.InTransaction(ctx, func(ctx context.Context, s store.Stores) error {
		chain, err := createChain(ctx, s.Jobs, p.Commit, p.InstallationID, p.Priority, p.MaxAttempts)
		if err != nil {
			return err
		}
		if len(p.Recipients) > 0 {
			email, err := newJob(&domain.SendEmailData{
				Recipients: p.Recipients,
				Subject:    commitSubject(p.Commit),
				CommitIDs:  []uuid.UUID{p.Commit.ID},
				Repo:       p.Commit.Repo(),
			}, p.Commit, p.Priority, p.MaxAttempts)
			if err != nil {
				return err
			}
			if err := s.Jobs.CreateJob(ctx, email, []uuid.UUID{chain.GenerateSummary.ID}); err != nil {
				return fmt.Errorf("failed to create send_email job: %w", err)
			}
			chain.SendEmail = email
		}
		wf = chain
		return nil
	})
	if errors.Is(err, errChainExists) {
		log.Debug("commit workflow already exists", slog.String("commit_id", p.Commit.ID.String()))
		return loadChain(ctx, b.jobs, p.Commit.ID)
	}
	if err != nil {
		return nil, err
	}

	log.Info("commit workflow created",
		slog.String("commit_id", p.Commit.ID.String()),
		slog.String("sha", p.Commit.ShortSHA()),
		slog.Bool("email", wf.SendEmail != nil))
	return wf, nil
}

// BuildDigestWorkflow creates chains for every commit without one and a
// single send_email that waits for all of their summaries.
func (b *Builder) BuildDigestWorkflow(ctx context.Context, p DigestWorkflowParams) (*DigestWorkflow, error) {
	log := logger.FromContextOrDefault(ctx, b.logger)
	if len(p.Commits) == 0 {
		return nil, fmt.Errorf("%w: digest needs at least one commit", domain.ErrValidation)
	}
	if len(p.Recipients) == 0 {
		return nil, fmt.Errorf("%w: digest needs at least one recipient", domain.ErrValidation)
	}

	var out *DigestWorkflow
	err := b.tx.InTransaction(ctx, func(ctx context.Context, s store.Stores) error {
		out = &DigestWorkflow{}
		var (
			summaries []uuid.UUID
			commitIDs []uuid.UUID
		)
		for _, c := range p.Commits {
			chain, err := createChain(ctx, s.Jobs, c, p.InstallationID, p.Priority, p.MaxAttempts)
			if errors.Is(err, errChainExists) {
				existing, err := loadChain(ctx, s.Jobs, c.ID)
				if err != nil {
					return err
				}
				out.Chains = append(out.Chains, existing)
				continue
			}
			if err != nil {
				return err
			}
			out.Chains = append(out.Chains, chain)
			summaries = append(summaries, chain.GenerateSummary.ID)
			commitIDs = append(commitIDs, c.ID)
		}
		if len(summaries) == 0 {
			return nil
		}

		subject := p.Subject
		if subject == "" {
			subject = digestSubject(p.Commits[0], len(summaries))
		}
		projectID := p.ProjectID
		email, err := domain.NewJob(domain.NewJobParams{
			Data: &domain.SendEmailData{
				Recipients: p.Recipients,
				Subject:    subject,
				CommitIDs:  commitIDs,
				Repo:       p.Commits[0].Repo(),
			},
			Priority:    p.Priority,
			MaxAttempts: p.MaxAttempts,
			ProjectID:   &projectID,
		})
		if err != nil {
			return err
		}
		if err := s.Jobs.CreateJob(ctx, email, summaries); err != nil {
			return fmt.Errorf("failed to create digest send_email job: %w", err)
		}
		out.SendEmail = email
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("digest workflow built",
		slog.String("project_id", p.ProjectID.String()),
		slog.Int("commits", len(p.Commits)),
		slog.Bool("email", out.SendEmail != nil))
	return out, nil
}

// createChain creates fetch_diff and generate_summary for c. It returns
// errChainExists if c already has a workflow root.
func createChain(
	ctx context.Context,
	jobs store.JobStore,
	c *domain.Commit,
	installationID int64,
	priority, maxAttempts int,
) (*CommitWorkflow, error) {
	fetch, err := newJob(&domain.FetchDiffData{
		CommitID:       c.ID,
		RepoOwner:      c.RepoOwner,
		RepoName:       c.RepoName,
		SHA:            c.SHA,
		InstallationID: installationID,
	}, c, priority, maxAttempts)
	if err != nil {
		return nil, err
	}
	if err := jobs.CreateJob(ctx, fetch, nil); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errChainExists
		}
		return nil, fmt.Errorf("failed to create fetch_diff job: %w", err)
	}

	summary, err := newJob(&domain.GenerateSummaryData{
		CommitID: c.ID,
		Repo:     c.Repo(),
		SHA:      c.SHA,
		Message:  c.Message,
		Author:   c.Author,
	}, c, priority, maxAttempts)
	if err != nil {
		return nil, err
	}
	if err := jobs.CreateJob(ctx, summary, []uuid.UUID{fetch.ID}); err != nil {
		return nil, fmt.Errorf("failed to create generate_summary job: %w", err)
	}

	return &CommitWorkflow{
		CommitID:        c.ID,
		FetchDiff:       fetch,
		GenerateSummary: summary,
		Created:         true,
	}, nil
}

func newJob(data domain.Payload, c *domain.Commit, priority, maxAttempts int) (*domain.Job, error) {
	commitID, projectID := c.ID, c.ProjectID
	return domain.NewJob(domain.NewJobParams{
		Data:        data,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		ProjectID:   &projectID,
		CommitID:    &commitID,
	})
}

// loadChain returns the jobs previously built for a commit.
func loadChain(ctx context.Context, jobs store.JobStore, commitID uuid.UUID) (*CommitWorkflow, error) {
	list, err := jobs.List(ctx, store.JobFilter{CommitID: &commitID})
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow of commit %s: %w", commitID, err)
	}
	wf := &CommitWorkflow{CommitID: commitID}
	for _, j := range list {
		switch j.Type {
		case domain.JobTypeFetchDiff:
			wf.FetchDiff = j
		case domain.JobTypeGenerateSummary:
			wf.GenerateSummary = j
		case domain.JobTypeSendEmail:
			wf.SendEmail = j
		}
	}
	if wf.FetchDiff == nil {
		return nil, fmt.Errorf("%w: workflow of commit %s", store.ErrNotFound, commitID)
	}
	return wf, nil
}

func commitSubject(c *domain.Commit) string {
	title, _, _ := strings.Cut(c.Message, "\n")
	if r := []rune(title); len(r) > 120 {
		title = string(r[:117]) + "..."
	}
	return fmt.Sprintf("[%s] %s: %s", c.Repo(), c.ShortSHA(), title)
}

func digestSubject(c *domain.Commit, n int) string {
	if n == 1 {
		return commitSubject(c)
	}
	return fmt.Sprintf("[%s] %d new commits", c.Repo(), n)
}
