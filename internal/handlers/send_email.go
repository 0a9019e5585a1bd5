package handlers

import (
	"bytes"
	"context"
	"embed"
	"errors"
	htmltemplate "html/template"
	"log/slog"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	htmlTemplate = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/summary.html.tmpl"))
	textTemplate = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/summary.txt.tmpl"))
)

// emailItem is one commit in a rendered notification.
type emailItem struct {
	ShortSHA   string
	Title      string
	Author     string
	Summary    string
	ChangeType string
}

type emailView struct {
	Repo  string
	Items []emailItem
}

// SendEmailHandler executes send_email jobs. A job depending on several
// generate_summary jobs sends one digest containing all of their summaries.
type SendEmailHandler struct {
	sender  EmailSender
	commits CommitRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewSendEmailHandler creates a SendEmailHandler.
func NewSendEmailHandler(sender EmailSender, commits CommitRecorder, logger *slog.Logger) *SendEmailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendEmailHandler{
		sender:  sender,
		commits: commits,
		logger:  logger,
		now:     time.Now,
	}
}

// Type implements job.Handler.
func (h *SendEmailHandler) Type() domain.JobType { return domain.JobTypeSendEmail }

// Execute implements job.Handler.
func (h *SendEmailHandler) Execute(ctx context.Context, j *domain.Job, in domain.Input) (any, error) {
	log := logger.FromContextOrDefault(ctx, h.logger)

	data, err := domain.DataAs[*domain.SendEmailData](j)
	if err != nil {
		return nil, job.Validation(err)
	}

	summaries, err := collectSummaries(in)
	if err != nil {
		return nil, job.Validation(err)
	}
	if len(summaries) == 0 {
		return nil, job.Validationf("%w: no summaries to send", domain.ErrEmptyContent)
	}

	msg, err := renderEmail(data, summaries)
	if err != nil {
		return nil, job.Validation(err)
	}

	messageID, err := h.sender.Send(ctx, msg)
	if err != nil {
		return nil, err
	}

	// The message is out. Failing from here on would send it again on retry,
	// so bookkeeping errors are only logged.
	at := h.now()
	for _, id := range sentCommitIDs(data, summaries) {
		if err := h.commits.MarkEmailSent(ctx, id, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("failed to record sent email",
				slog.String("commit_id", id.String()),
				slog.String("error", err.Error()))
		}
	}

	log.Info("email sent",
		slog.String("message_id", messageID),
		slog.Int("recipients", len(data.Recipients)),
		slog.Int("commits", len(summaries)))

	return domain.EmailResult{
		MessageID:  messageID,
		Recipients: len(data.Recipients),
		Commits:    len(summaries),
	}, nil
}

// collectSummaries gathers the summaries the email covers: every
// generate_summary dependency, or the single summary found through the
// input lookup when the job runs standalone.
func collectSummaries(in domain.Input) ([]domain.SummaryResult, error) {
	var out []domain.SummaryResult
	for _, m := range in.Context().ResultsOfType(domain.JobTypeGenerateSummary) {
		var s domain.SummaryResult
		if err := domain.FromResultMap(m, &s); err != nil {
			return nil, err
		}
		if s.Summary != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	if summary := in.String("summary"); summary != "" {
		out = append(out, domain.SummaryResult{
			CommitID:   in.String("commit_id"),
			SHA:        in.String("sha"),
			Message:    in.String("message"),
			Author:     in.String("author"),
			Summary:    summary,
			ChangeType: in.String("change_type"),
		})
	}
	return out, nil
}

func renderEmail(data *domain.SendEmailData, summaries []domain.SummaryResult) (domain.EmailMessage, error) {
	view := emailView{Repo: data.Repo}
	for _, s := range summaries {
		title, _, _ := strings.Cut(s.Message, "\n")
		short := s.SHA
		if len(short) > 7 {
			short = short[:7]
		}
		view.Items = append(view.Items, emailItem{
			ShortSHA:   short,
			Title:      title,
			Author:     s.Author,
			Summary:    s.Summary,
			ChangeType: s.ChangeType,
		})
	}

	var html, text bytes.Buffer
	if err := htmlTemplate.Execute(&html, view); err != nil {
		return domain.EmailMessage{}, err
	}
	if err := textTemplate.Execute(&text, view); err != nil {
		return domain.EmailMessage{}, err
	}

	subject := data.Subject
	if subject == "" {
		subject = strings.TrimSpace(data.Repo + " commit summary")
	}
	return domain.EmailMessage{
		To:      data.Recipients,
		Subject: subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

// sentCommitIDs returns the commits to mark as emailed, preferring the ids
// carried by the job over those reported by the summaries.
func sentCommitIDs(data *domain.SendEmailData, summaries []domain.SummaryResult) []uuid.UUID {
	if len(data.CommitIDs) > 0 {
		return data.CommitIDs
	}
	var ids []uuid.UUID
	for _, s := range summaries {
		if id, err := uuid.Parse(s.CommitID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
