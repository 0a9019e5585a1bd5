package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Payload is the typed data carried by a job. Each job type has exactly one
// payload struct, so the payload also determines the job type.
type Payload interface {
	JobType() JobType
}

var payloadFactories = map[JobType]func() Payload{
	JobTypeFetchDiff:         func() Payload { return &FetchDiffData{} },
	JobTypeGenerateSummary:   func() Payload { return &GenerateSummaryData{} },
	JobTypeSendEmail:         func() Payload { return &SendEmailData{} },
	JobTypeWebhookProcessing: func() Payload { return &WebhookProcessingData{} },
}

// JobTypes returns every job type with a registered payload schema.
func JobTypes() []JobType {
	return []JobType{
		JobTypeFetchDiff,
		JobTypeGenerateSummary,
		JobTypeSendEmail,
		JobTypeWebhookProcessing,
	}
}

// ValidatePayload runs the struct validation rules of p.
func ValidatePayload(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJobData, p.JobType(), err)
	}
	return nil
}

// DecodeData parses raw into the payload struct registered for t and validates it.
func DecodeData(t JobType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, t)
	}
	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidJobData, t, err)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DataAs decodes the job's data and asserts it to the expected payload type.
func DataAs[T Payload](job *Job) (T, error) {
	var zero T
	p, err := DecodeData(job.Type, job.Data)
	if err != nil {
		return zero, err
	}
	typed, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s payload has type %T", ErrInvalidJobData, job.Type, p)
	}
	return typed, nil
}

// FetchDiffData asks for the diff of a single commit.
type FetchDiffData struct {
	CommitID       uuid.UUID `json:"commit_id"       validate:"required"`
	RepoOwner      string    `json:"repo_owner"      validate:"required"`
	RepoName       string    `json:"repo_name"       validate:"required"`
	SHA            string    `json:"sha"             validate:"required,hexadecimal,min=7,max=40"`
	InstallationID int64     `json:"installation_id,omitempty"`
}

// JobType implements Payload.
func (*FetchDiffData) JobType() JobType { return JobTypeFetchDiff }

// FetchDiffResult is written to context.result by fetch_diff.
type FetchDiffResult struct {
	CommitID     string   `json:"commit_id"`
	DiffContent  string   `json:"diff_content"`
	FilesChanged []string `json:"files_changed"`
	Additions    int      `json:"additions"`
	Deletions    int      `json:"deletions"`
}

// GenerateSummaryData asks for an AI summary of a commit. DiffContent is
// usually inherited from the fetch_diff dependency rather than set here.
type GenerateSummaryData struct {
	CommitID    uuid.UUID `json:"commit_id" validate:"required"`
	Repo        string    `json:"repo,omitempty"`
	SHA         string    `json:"sha,omitempty"`
	Message     string    `json:"message"   validate:"max=10000"`
	Author      string    `json:"author,omitempty"`
	DiffContent string    `json:"diff_content,omitempty"`
}

// JobType implements Payload.
func (*GenerateSummaryData) JobType() JobType { return JobTypeGenerateSummary }

// Change types a summary may classify a commit as.
const (
	ChangeTypeFeature  = "feature"
	ChangeTypeFix      = "fix"
	ChangeTypeRefactor = "refactor"
	ChangeTypeDocs     = "docs"
	ChangeTypeChore    = "chore"
	ChangeTypeOther    = "other"
)

// SummaryResult is written to context.result by generate_summary.
type SummaryResult struct {
	CommitID   string `json:"commit_id"`
	SHA        string `json:"sha,omitempty"`
	Message    string `json:"message,omitempty"`
	Author     string `json:"author,omitempty"`
	Summary    string `json:"summary"`
	ChangeType string `json:"change_type"`
}

// SendEmailData asks for a notification email covering one or more commits.
type SendEmailData struct {
	Recipients []string    `json:"recipients"           validate:"required,min=1,dive,email"`
	Subject    string      `json:"subject,omitempty"    validate:"max=200"`
	CommitIDs  []uuid.UUID `json:"commit_ids,omitempty"`
	Repo       string      `json:"repo,omitempty"`
}

// JobType implements Payload.
func (*SendEmailData) JobType() JobType { return JobTypeSendEmail }

// EmailResult is written to context.result by send_email.
type EmailResult struct {
	MessageID  string `json:"message_id"`
	Recipients int    `json:"recipients"`
	Commits    int    `json:"commits"`
}

// CommitRef is a commit as described by an inbound push event.
type CommitRef struct {
	SHA       string    `json:"sha"                 validate:"required,hexadecimal,min=7,max=40"`
	Message   string    `json:"message"`
	Author    string    `json:"author,omitempty"`
	URL       string    `json:"url,omitempty"       validate:"omitempty,url"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// WebhookProcessingData is the root job for an inbound push event.
type WebhookProcessingData struct {
	DeliveryID     string      `json:"delivery_id"          validate:"required"`
	ProjectID      uuid.UUID   `json:"project_id"           validate:"required"`
	RepoOwner      string      `json:"repo_owner"           validate:"required"`
	RepoName       string      `json:"repo_name"            validate:"required"`
	InstallationID int64       `json:"installation_id,omitempty"`
	Recipients     []string    `json:"recipients,omitempty" validate:"omitempty,dive,email"`
	Digest         bool        `json:"digest,omitempty"`
	Commits        []CommitRef `json:"commits"              validate:"required,min=1,dive"`
}

// JobType implements Payload.
func (*WebhookProcessingData) JobType() JobType { return JobTypeWebhookProcessing }

// WebhookProcessingResult is written to context.result by webhook_processing.
type WebhookProcessingResult struct {
	CommitsRecorded  int `json:"commits_recorded"`
	WorkflowsCreated int `json:"workflows_created"`
	WorkflowsSkipped int `json:"workflows_skipped"`
}
