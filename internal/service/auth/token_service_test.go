package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/commitcast/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret-that-is-32-chars-long"

func newTestService(t *testing.T, now time.Time) *hmacTokenService {
	t.Helper()
	return newServiceWith(t, testSecret, "commitcast", now)
}

func newServiceWith(t *testing.T, secret, issuer string, now time.Time) *hmacTokenService {
	t.Helper()
	svc, err := NewTokenService(config.AuthConfig{JWTSecret: secret, TokenIssuer: issuer})
	require.NoError(t, err)
	s := svc.(*hmacTokenService)
	s.timeFunc = func() time.Time { return now }
	return s
}

func TestNewTokenService_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewTokenService(config.AuthConfig{JWTSecret: "short", TokenIssuer: "commitcast"})
	assert.Error(t, err)

	_, err = NewTokenService(config.AuthConfig{JWTSecret: testSecret})
	assert.Error(t, err)
}

func TestTokenService_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	token, err := svc.GenerateToken(ctx, "ci-runner", []string{ScopeEventsWrite}, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.Subject)
	assert.Equal(t, "commitcast", claims.Issuer)
	assert.True(t, claims.HasScope(ScopeEventsWrite))
	assert.False(t, claims.HasScope(ScopeJobsWrite))
	assert.Equal(t, now.Add(time.Hour), claims.ExpiresAt.UTC())
	assert.NotEmpty(t, claims.ID)
}

func TestTokenService_GenerateErrors(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, time.Now())
	ctx := context.Background()

	tests := []struct {
		name     string
		subject  string
		scopes   []string
		lifetime time.Duration
	}{
		{name: "missing subject", scopes: AllScopes, lifetime: time.Hour},
		{name: "zero lifetime", subject: "ops", scopes: AllScopes},
		{name: "unknown scope", subject: "ops", scopes: []string{"admin"}, lifetime: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GenerateToken(ctx, tt.subject, tt.scopes, tt.lifetime)
			assert.Error(t, err)
		})
	}
}

func TestTokenService_ValidateErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestService(t, now)

	token, err := issuer.GenerateToken(ctx, "ops", AllScopes, time.Hour)
	require.NoError(t, err)

	other := newServiceWith(t, testSecret, "staging", now)
	otherToken, err := other.GenerateToken(ctx, "ops", AllScopes, time.Hour)
	require.NoError(t, err)

	wrongKey := newServiceWith(t, "another-secret-that-is-32-characters", "commitcast", now)
	forged, err := wrongKey.GenerateToken(ctx, "ops", AllScopes, time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  "commitcast",
		Subject: "ops",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		at      time.Time
		token   string
		wantErr error
	}{
		{name: "missing", at: now, token: "", wantErr: ErrMissingToken},
		{name: "malformed", at: now, token: "not.a.jwt", wantErr: ErrInvalidToken},
		{name: "expired", at: now.Add(2 * time.Hour), token: token, wantErr: ErrExpiredToken},
		{name: "not yet valid", at: now.Add(-time.Hour), token: token, wantErr: ErrTokenNotYetValid},
		{name: "wrong signature", at: now, token: forged, wantErr: ErrInvalidToken},
		{name: "wrong issuer", at: now, token: otherToken, wantErr: ErrWrongIssuer},
		{name: "no expiry", at: now, token: noExpiry, wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, tt.at)
			_, err := svc.ValidateToken(ctx, tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClaims_HasScope_Nil(t *testing.T) {
	t.Parallel()
	var c *Claims
	assert.False(t, c.HasScope(ScopeJobsRead))
}
