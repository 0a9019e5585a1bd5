package gemini

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/generation"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

//go:embed prompts/summary.tmpl
var promptFS embed.FS

// Summarizer implements handlers.Summarizer using the Gemini API.
type Summarizer struct {
	client       *genai.Client
	model        string
	prompt       *template.Template
	limiter      *rate.Limiter
	maxDiffBytes int
	logger       *slog.Logger
}

// NewSummarizer creates a Gemini client from cfg and wraps it.
func NewSummarizer(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Summarizer, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}
	return NewSummarizerWithClient(client, cfg, logger)
}

// NewSummarizerWithClient wraps an existing client.
func NewSummarizerWithClient(client *genai.Client, cfg config.LLMConfig, logger *slog.Logger) (*Summarizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	prompt, err := loadPrompt(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	return &Summarizer{
		client:       client,
		model:        cfg.ModelName,
		prompt:       prompt,
		limiter:      rate.NewLimiter(limit, 1),
		maxDiffBytes: cfg.MaxDiffBytes,
		logger:       logger.With(slog.String("component", "gemini")),
	}, nil
}

func loadPrompt(path string) (*template.Template, error) {
	if path == "" {
		return template.ParseFS(promptFS, "prompts/summary.tmpl")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read prompt template from %s: %v", generation.ErrInvalidConfig, path, err)
	}
	tmpl, err := template.New("summary").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", generation.ErrInvalidConfig, err)
	}
	return tmpl, nil
}

// Summarize asks the model for a summary of one commit.
func (s *Summarizer) Summarize(ctx context.Context, req generation.Request) (*generation.Summary, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	req.Diff, req.Truncated = generation.TruncateDiff(req.Diff, s.maxDiffBytes)
	var prompt bytes.Buffer
	if err := s.prompt.Execute(&prompt, req); err != nil {
		return nil, fmt.Errorf("%w: failed to execute prompt template: %v", generation.ErrInvalidConfig, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for rate limiter: %v", generation.ErrTransientFailure, err)
	}

	start := time.Now()
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	})
	if err != nil {
		log.Error("Gemini API call failed", "sha", req.SHA, "error", err)
		return nil, mapAPIError(err)
	}

	text, err := responseText(resp)
	if err != nil {
		log.Warn("Gemini returned no usable content", "sha", req.SHA, "error", err)
		return nil, err
	}

	summary, err := generation.ParseSummary(text)
	if err != nil {
		return nil, err
	}

	log.Debug("Gemini API call successful",
		"sha", req.SHA,
		"prompt_bytes", prompt.Len(),
		"truncated", req.Truncated,
		"duration", time.Since(start))
	return summary, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return "", fmt.Errorf("%w: finish reason %s", generation.ErrContentBlocked, candidate.FinishReason)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

// mapAPIError translates Gemini API errors into generation errors.
func mapAPIError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusPaymentRequired,
		apiErr.Code == http.StatusTooManyRequests && (strings.Contains(msg, "billing") || strings.Contains(msg, "credit")):
		return fmt.Errorf("%w: %v", generation.ErrQuotaExceeded, err)
	case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", generation.ErrInvalidConfig, err)
	case apiErr.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
	default:
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}
}
