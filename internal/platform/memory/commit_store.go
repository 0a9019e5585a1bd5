package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/store"
)

// CommitStore implements store.CommitStore over a Store.
type CommitStore struct {
	s    *Store
	inTx bool
}

var _ store.CommitStore = (*CommitStore)(nil)

// WithTx implements store.CommitStore. See JobStore.WithTx.
func (c *CommitStore) WithTx(*sql.Tx) store.CommitStore {
	return c
}

// Upsert implements store.CommitStore.
func (c *CommitStore) Upsert(_ context.Context, commit *domain.Commit) (*domain.Commit, bool, error) {
	if err := commit.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	defer c.s.lock(c.inTx)()
	st := &c.s.st

	key := commitKey{projectID: commit.ProjectID, sha: commit.SHA}
	if id, ok := st.commitKeys[key]; ok {
		existing := *st.commits[id]
		return &existing, false, nil
	}

	stored := *commit
	st.commits[stored.ID] = &stored
	st.commitKeys[key] = stored.ID
	out := stored
	return &out, true, nil
}

// GetByID implements store.CommitStore.
func (c *CommitStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Commit, error) {
	defer c.s.lock(c.inTx)()
	commit, ok := c.s.st.commits[id]
	if !ok {
		return nil, store.ErrCommitNotFound
	}
	out := *commit
	return &out, nil
}

// MarkSummarized implements store.CommitStore.
func (c *CommitStore) MarkSummarized(
	_ context.Context,
	id uuid.UUID,
	summary, changeType string,
	at time.Time,
) error {
	defer c.s.lock(c.inTx)()
	commit, ok := c.s.st.commits[id]
	if !ok {
		return fmt.Errorf("%w: commit not found", store.ErrNotFound)
	}
	commit.Summary = summary
	commit.ChangeType = changeType
	commit.SummarizedAt = &at
	commit.UpdatedAt = at
	return nil
}

// MarkEmailSent implements store.CommitStore.
func (c *CommitStore) MarkEmailSent(_ context.Context, id uuid.UUID, at time.Time) error {
	defer c.s.lock(c.inTx)()
	commit, ok := c.s.st.commits[id]
	if !ok {
		return fmt.Errorf("%w: commit not found", store.ErrNotFound)
	}
	commit.EmailSentAt = &at
	commit.UpdatedAt = at
	return nil
}
