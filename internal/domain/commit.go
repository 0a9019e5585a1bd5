package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for Commit
var (
	ErrEmptyCommitProjectID = errors.New("commit project ID cannot be empty")
	ErrEmptyCommitRepo      = errors.New("commit repository cannot be empty")
	ErrEmptyCommitSHA       = errors.New("commit SHA cannot be empty")
)

// Commit is the domain record a workflow is built around. It is created from
// a push event and updated as its summary and notification are produced.
type Commit struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	RepoOwner    string     `json:"repo_owner"`
	RepoName     string     `json:"repo_name"`
	SHA          string     `json:"sha"`
	Message      string     `json:"message"`
	Author       string     `json:"author,omitempty"`
	URL          string     `json:"url,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	ChangeType   string     `json:"change_type,omitempty"`
	SummarizedAt *time.Time `json:"summarized_at,omitempty"`
	EmailSentAt  *time.Time `json:"email_sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewCommit creates a commit record for a commit seen in a push event.
func NewCommit(projectID uuid.UUID, owner, repo string, ref CommitRef) (*Commit, error) {
	now := time.Now().UTC()
	c := &Commit{
		ID:        uuid.New(),
		ProjectID: projectID,
		RepoOwner: owner,
		RepoName:  repo,
		SHA:       ref.SHA,
		Message:   ref.Message,
		Author:    ref.Author,
		URL:       ref.URL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks if the Commit has valid data.
func (c *Commit) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: commit id is empty", ErrInvalidID)
	}
	if c.ProjectID == uuid.Nil {
		return ErrEmptyCommitProjectID
	}
	if c.RepoOwner == "" || c.RepoName == "" {
		return ErrEmptyCommitRepo
	}
	if c.SHA == "" {
		return ErrEmptyCommitSHA
	}
	return nil
}

// Repo returns the "owner/name" form of the repository.
func (c *Commit) Repo() string {
	return c.RepoOwner + "/" + c.RepoName
}

// ShortSHA returns the first seven characters of the SHA.
func (c *Commit) ShortSHA() string {
	if len(c.SHA) > 7 {
		return c.SHA[:7]
	}
	return c.SHA
}
