package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/commitcast/internal/api/shared"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTokenService struct {
	mock.Mock
}

func (m *mockTokenService) GenerateToken(
	ctx context.Context,
	subject string,
	scopes []string,
	lifetime time.Duration,
) (string, error) {
	args := m.Called(ctx, subject, scopes, lifetime)
	return args.String(0), args.Error(1)
}

func (m *mockTokenService) ValidateToken(ctx context.Context, token string) (*auth.Claims, error) {
	args := m.Called(ctx, token)
	claims, _ := args.Get(0).(*auth.Claims)
	return claims, args.Error(1)
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaims(r)
		if assert.True(t, ok) {
			w.Header().Set("X-Subject", claims.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		setup      func(m *mockTokenService)
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
			wantError:  "Authorization header required",
		},
		{
			name:       "wrong scheme",
			header:     "Basic abc",
			wantStatus: http.StatusUnauthorized,
			wantError:  "Invalid authorization format",
		},
		{
			name:   "expired",
			header: "Bearer old",
			setup: func(m *mockTokenService) {
				m.On("ValidateToken", mock.Anything, "old").Return(nil, auth.ErrExpiredToken)
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "Token expired",
		},
		{
			name:   "wrong issuer",
			header: "Bearer other",
			setup: func(m *mockTokenService) {
				m.On("ValidateToken", mock.Anything, "other").Return(nil, auth.ErrWrongIssuer)
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "Invalid token",
		},
		{
			name:   "unexpected failure",
			header: "Bearer boom",
			setup: func(m *mockTokenService) {
				m.On("ValidateToken", mock.Anything, "boom").Return(nil, assert.AnError)
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Authentication error",
		},
		{
			name:   "valid",
			header: "bearer good",
			setup: func(m *mockTokenService) {
				m.On("ValidateToken", mock.Anything, "good").
					Return(&auth.Claims{Subject: "ci", Scopes: []string{auth.ScopeJobsRead}}, nil)
			},
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &mockTokenService{}
			if tt.setup != nil {
				tt.setup(tokens)
			}
			h := NewAuthMiddleware(tokens).Authenticate(okHandler(t))

			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				var body shared.ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, tt.wantError, body.Error)
			} else {
				assert.Equal(t, "ci", rec.Header().Get("X-Subject"))
			}
			tokens.AssertExpectations(t)
		})
	}
}

func TestRequireScope(t *testing.T) {
	t.Parallel()

	tokens := &mockTokenService{}
	tokens.On("ValidateToken", mock.Anything, "reader").
		Return(&auth.Claims{Subject: "dash", Scopes: []string{auth.ScopeJobsRead}}, nil)
	chain := NewAuthMiddleware(tokens).Authenticate(RequireScope(auth.ScopeJobsWrite)(okHandler(t)))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/requeue", nil)
	req.Header.Set("Authorization", "Bearer reader")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Without Authenticate in front there are no claims at all.
	rec = httptest.NewRecorder()
	RequireScope(auth.ScopeJobsRead)(okHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTrace(t *testing.T) {
	t.Parallel()

	base, logs := logger.NewTestLogger()

	var seen string
	h := Trace(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Len(t, seen, 2*shared.TraceIDLength)
	assert.Equal(t, seen, rec.Header().Get(TraceHeader))

	entries, err := logs.Entries()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, seen, entries[len(entries)-1]["trace_id"])
}
