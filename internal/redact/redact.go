// Package redact strips credentials, tokens and other sensitive values from
// strings before they are logged, stored as a job's error message, or
// returned to admin API clients.
package redact

import (
	"regexp"
)

// rule pairs a pattern with the placeholder that replaces its matches.
// Rules are applied in order; earlier rules win when patterns overlap.
type rule struct {
	pattern     *regexp.Regexp
	placeholder string
}

var rules = []rule{
	// Stack traces first so the frames are not partially rewritten below.
	{
		regexp.MustCompile(`(?s)(goroutine \d+ \[[^\]]*\]:|panic:).*`),
		"[STACK_TRACE_REDACTED]",
	},
	// Connection strings carrying credentials: scheme://user:pass@
	{
		regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+:[^@\s]+@`),
		"[REDACTED_CREDENTIAL]",
	},
	// GitHub tokens: personal, OAuth, app installation, refresh and fine-grained.
	{
		regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})\b`),
		"[REDACTED_GITHUB_TOKEN]",
	},
	// Google API keys, as used by the Gemini client.
	{
		regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{30,}`),
		"[REDACTED_KEY]",
	},
	// Authorization headers.
	{
		regexp.MustCompile(`(?i)\b(?:bearer|token)\s+[A-Za-z0-9_\-.~+/=]{16,}`),
		"[REDACTED_KEY]",
	},
	{
		regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret)\s*[=:]\s*\S+`),
		"[REDACTED_CREDENTIAL]",
	},
	{
		regexp.MustCompile(
			`(?i)\b(?:api[_-]?key|access[_-]?key|secret[_-]?key|private[_-]?key|token|webhook[_-]?secret)\s*[=:]\s*[A-Za-z0-9_\-.~+/]{8,}`,
		),
		"[REDACTED_KEY]",
	},
	{
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		"[REDACTED_AWS_KEY]",
	},
	{
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		"[REDACTED_JWT]",
	},
	{
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`),
		"[REDACTED_PRIVATE_KEY]",
	},
	// SQL statements keep their verb and table, values are dropped.
	{
		regexp.MustCompile(`(?s)\bSELECT\b.+?\bFROM\b.*`),
		"SELECT FROM... [SQL_VALUES_REDACTED]",
	},
	{
		regexp.MustCompile(`(?s)\b(INSERT INTO \w+(?: \([^)]*\))?) VALUES\b.*`),
		"$1 VALUES [SQL_VALUES_REDACTED]",
	},
	{
		regexp.MustCompile(`(?s)\b(UPDATE \w+ SET)\b.*`),
		"$1 [SQL_VALUES_REDACTED]",
	},
	{
		regexp.MustCompile(`(?s)\b(DELETE FROM \w+)\s+WHERE\b.*`),
		"$1 [SQL_WHERE_REDACTED]",
	},
	{
		regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		"[REDACTED_EMAIL]",
	},
	// Windows paths before unix paths; drive letters would otherwise survive.
	{
		regexp.MustCompile(`\b[A-Za-z]:\\(?:[^\\\s]+(?: [^\\\s]+)*\\)*[^\\\s]+`),
		"[REDACTED_PATH]",
	},
	{
		regexp.MustCompile(`(^|\s)(?:/[\w.-]+){2,}/?`),
		"${1}[REDACTED_PATH]",
	},
	{
		regexp.MustCompile(`\b(?:[a-z0-9-]+\.)+[a-z]{2,}:\d{2,5}\b`),
		"[REDACTED_HOST]",
	},
}

// String returns s with every sensitive value replaced by a placeholder.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.placeholder)
	}
	return s
}

// Error returns the redacted message of err, or "" for a nil error.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
