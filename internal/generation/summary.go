package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/commitcast/internal/domain"
)

// Request is the input of a single commit summary.
type Request struct {
	Repo    string
	SHA     string
	Message string
	Author  string
	Diff    string
	// Truncated reports that Diff was cut to fit the model's budget.
	Truncated bool
}

// Summary is what a summarizer returns for one commit.
type Summary struct {
	Text       string `json:"summary"`
	ChangeType string `json:"change_type"`
}

var changeTypes = map[string]string{
	domain.ChangeTypeFeature:  domain.ChangeTypeFeature,
	"feat":                    domain.ChangeTypeFeature,
	domain.ChangeTypeFix:      domain.ChangeTypeFix,
	"bugfix":                  domain.ChangeTypeFix,
	domain.ChangeTypeRefactor: domain.ChangeTypeRefactor,
	domain.ChangeTypeDocs:     domain.ChangeTypeDocs,
	"doc":                     domain.ChangeTypeDocs,
	domain.ChangeTypeChore:    domain.ChangeTypeChore,
	"build":                   domain.ChangeTypeChore,
	"ci":                      domain.ChangeTypeChore,
	"test":                    domain.ChangeTypeChore,
}

// NormalizeChangeType maps a model-produced label onto one of the domain
// change types, falling back to "other".
func NormalizeChangeType(s string) string {
	if ct, ok := changeTypes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return ct
	}
	return domain.ChangeTypeOther
}

// ParseSummary decodes a model response of the form
// {"summary": "...", "change_type": "..."}. Markdown code fences around the
// JSON are tolerated.
func ParseSummary(raw string) (*Summary, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var s Summary
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v", ErrInvalidResponse, err)
	}
	s.Text = strings.TrimSpace(s.Text)
	if s.Text == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrInvalidResponse)
	}
	s.ChangeType = NormalizeChangeType(s.ChangeType)
	return &s, nil
}

// TruncateDiff cuts diff to at most maxBytes without splitting a line, and
// reports whether anything was removed.
func TruncateDiff(diff string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(diff) <= maxBytes {
		return diff, false
	}
	cut := diff[:maxBytes]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i+1]
	}
	return cut, true
}
