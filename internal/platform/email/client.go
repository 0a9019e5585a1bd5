// Package email sends notification emails through an HTTP JSON provider API.
// The provider receives a POST with a bearer API key and answers with the id
// of the accepted message.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned by Send when no provider URL is configured.
var ErrNotConfigured = errors.New("email provider not configured")

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Sender implements handlers.EmailSender.
type Sender struct {
	apiURL     string
	apiKey     string
	from       string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewSender creates a Sender from cfg. A nil httpClient uses a client with a
// 30 second timeout.
func NewSender(cfg config.EmailConfig, httpClient *http.Client, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Sender{
		apiURL:     cfg.APIURL,
		apiKey:     cfg.APIKey,
		from:       cfg.From,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With(slog.String("component", "email")),
	}
}

// Send delivers msg and returns the provider's message id.
func (s *Sender) Send(ctx context.Context, msg domain.EmailMessage) (string, error) {
	if s.apiURL == "" {
		return "", job.Validation(ErrNotConfigured)
	}
	if len(msg.To) == 0 {
		return "", job.Validationf("%w: email has no recipients", domain.ErrValidation)
	}

	body, err := json.Marshal(sendRequest{
		From:    s.from,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return "", job.Validation(err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", job.Retryable(fmt.Errorf("waiting for email rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", job.Validation(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", job.Retryable(fmt.Errorf("email provider request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", job.Retryable(fmt.Errorf("failed to read email provider response: %w", err))
	}

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("email provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		logger.FromContextOrDefault(ctx, s.logger).Warn("email rejected",
			slog.Int("status", resp.StatusCode),
			slog.Int("recipients", len(msg.To)))
		return "", classifyStatus(resp, err)
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		// The provider accepted the message; a missing id is not worth a resend.
		return resp.Header.Get("X-Message-Id"), nil
	}
	return out.ID, nil
}

func classifyStatus(resp *http.Response, err error) error {
	switch code := resp.StatusCode; {
	case code == http.StatusPaymentRequired:
		return job.ResourceExhausted(err)
	case code == http.StatusTooManyRequests:
		return job.RetryableAfter(err, retryAfter(resp.Header.Get("Retry-After")))
	case code >= 500:
		return job.Retryable(err)
	default:
		return job.Validation(err)
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
