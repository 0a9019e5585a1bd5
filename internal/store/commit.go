package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
)

// CommitStore defines the interface for commit record persistence.
type CommitStore interface {
	// Upsert stores commit unless a commit with the same project and SHA
	// exists. It returns the stored record and whether it was created.
	Upsert(ctx context.Context, commit *domain.Commit) (*domain.Commit, bool, error)

	// GetByID retrieves a commit. Returns ErrCommitNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Commit, error)

	// MarkSummarized stores the generated summary on the commit.
	MarkSummarized(ctx context.Context, id uuid.UUID, summary, changeType string, at time.Time) error

	// MarkEmailSent records that the commit was included in a sent notification.
	MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error

	// WithTx returns a CommitStore that runs its statements in tx.
	WithTx(tx *sql.Tx) CommitStore
}
