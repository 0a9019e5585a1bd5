package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

const commitColumns = `id, project_id, repo_owner, repo_name, sha, message, author, url,
	summary, change_type, summarized_at, email_sent_at, created_at, updated_at`

// PostgresCommitStore implements store.CommitStore on PostgreSQL.
type PostgresCommitStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresCommitStore creates a commit store over a connection or transaction.
func NewPostgresCommitStore(db store.DBTX, logger *slog.Logger) *PostgresCommitStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCommitStore{
		db:     db,
		logger: logger.With(slog.String("component", "commit_store")),
	}
}

var _ store.CommitStore = (*PostgresCommitStore)(nil)

// WithTx implements store.CommitStore.
func (s *PostgresCommitStore) WithTx(tx *sql.Tx) store.CommitStore {
	return &PostgresCommitStore{db: tx, logger: s.logger}
}

// Upsert implements store.CommitStore. The no-op DO UPDATE makes RETURNING
// yield the existing row on conflict; xmax = 0 only for freshly inserted rows.
func (s *PostgresCommitStore) Upsert(ctx context.Context, c *domain.Commit) (*domain.Commit, bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := c.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO commits (id, project_id, repo_owner, repo_name, sha, message, author, url,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, sha) DO UPDATE SET sha = EXCLUDED.sha
		RETURNING `+commitColumns+`, (xmax = 0) AS inserted`,
		c.ID, c.ProjectID, c.RepoOwner, c.RepoName, c.SHA, c.Message, c.Author, c.URL,
		c.CreatedAt, c.UpdatedAt,
	)

	var inserted bool
	stored, err := scanCommit(row, &inserted)
	if err != nil {
		log.Error("failed to upsert commit",
			slog.String("sha", c.SHA),
			slog.String("error", err.Error()))
		return nil, false, MapError(err)
	}
	return stored, inserted, nil
}

// GetByID implements store.CommitStore.
func (s *PostgresCommitStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Commit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits WHERE id = $1`, id)
	c, err := scanCommit(row, nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrCommitNotFound
		}
		return nil, MapError(err)
	}
	return c, nil
}

// MarkSummarized implements store.CommitStore.
func (s *PostgresCommitStore) MarkSummarized(
	ctx context.Context,
	id uuid.UUID,
	summary, changeType string,
	at time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE commits
		SET summary = $2, change_type = $3, summarized_at = $4, updated_at = $4
		WHERE id = $1`,
		id, summary, changeType, at,
	)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "commit")
}

// MarkEmailSent implements store.CommitStore.
func (s *PostgresCommitStore) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE commits SET email_sent_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "commit")
}

func scanCommit(row rowScanner, inserted *bool) (*domain.Commit, error) {
	var (
		c            domain.Commit
		summarizedAt sql.NullTime
		emailSentAt  sql.NullTime
	)
	dest := []any{
		&c.ID, &c.ProjectID, &c.RepoOwner, &c.RepoName, &c.SHA, &c.Message, &c.Author, &c.URL,
		&c.Summary, &c.ChangeType, &summarizedAt, &emailSentAt, &c.CreatedAt, &c.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.SummarizedAt = timePtr(summarizedAt)
	c.EmailSentAt = timePtr(emailSentAt)
	return &c, nil
}
