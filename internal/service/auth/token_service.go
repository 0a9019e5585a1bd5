// Package auth issues and validates the bearer tokens that protect the admin
// API. Tokens identify a service client, not a person, and carry the scopes
// the client may use.
package auth

import (
	"context"
	"slices"
	"time"
)

// Scopes understood by the admin API.
const (
	ScopeJobsRead    = "jobs:read"
	ScopeJobsWrite   = "jobs:write"
	ScopeEventsWrite = "events:write"
)

// AllScopes lists every scope, for tokens issued to operators.
var AllScopes = []string{ScopeJobsRead, ScopeJobsWrite, ScopeEventsWrite}

// TokenService issues and validates service tokens.
type TokenService interface {
	// GenerateToken signs a token for subject that expires after lifetime.
	GenerateToken(ctx context.Context, subject string, scopes []string, lifetime time.Duration) (string, error)

	// ValidateToken verifies signature, issuer and time claims and returns the claims.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims are the validated contents of a service token.
type Claims struct {
	Subject   string    `json:"sub,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	Issuer    string    `json:"iss,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}
