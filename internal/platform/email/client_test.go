package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, handler http.HandlerFunc) *Sender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSender(config.EmailConfig{
		APIURL: srv.URL + "/emails",
		APIKey: "re_test",
		From:   "commitcast@example.com",
	}, srv.Client(), nil)
}

var message = domain.EmailMessage{
	To:      []string{"team@example.com"},
	Subject: "[acme/widgets] abc1234: Add retries",
	HTML:    "<p>Adds retries.</p>",
	Text:    "Adds retries.",
}

func TestSend(t *testing.T) {
	t.Parallel()

	received := make(chan sendRequest, 1)
	s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))

		var req sendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "msg_123"}`))
	})

	id, err := s.Send(context.Background(), message)
	require.NoError(t, err)
	assert.Equal(t, "msg_123", id)

	req := <-received
	assert.Equal(t, "commitcast@example.com", req.From)
	assert.Equal(t, message.To, req.To)
	assert.Equal(t, message.Subject, req.Subject)
	assert.Equal(t, message.HTML, req.HTML)
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		header    map[string]string
		wantKind  job.Kind
		wantAfter time.Duration
	}{
		{name: "payment required", status: http.StatusPaymentRequired, wantKind: job.KindResourceExhausted},
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "30"},
			wantKind: job.KindRetryable, wantAfter: 30 * time.Second},
		{name: "server error", status: http.StatusServiceUnavailable, wantKind: job.KindRetryable},
		{name: "invalid recipient", status: http.StatusUnprocessableEntity, wantKind: job.KindValidation},
		{name: "bad api key", status: http.StatusUnauthorized, wantKind: job.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestSender(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message": "nope"}`))
			})

			_, err := s.Send(context.Background(), message)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, job.Classify(err))
			assert.Contains(t, err.Error(), "nope")

			var je *job.Error
			require.True(t, errors.As(err, &je))
			assert.Equal(t, tt.wantAfter, je.RetryAfter)
		})
	}
}

func TestSend_NotConfigured(t *testing.T) {
	t.Parallel()

	s := NewSender(config.EmailConfig{}, nil, nil)
	_, err := s.Send(context.Background(), message)
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, job.KindValidation, job.Classify(err))
}

func TestSend_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewSender(config.EmailConfig{APIURL: url, APIKey: "k"}, nil, nil)
	_, err := s.Send(context.Background(), message)
	require.Error(t, err)
	assert.Equal(t, job.KindRetryable, job.Classify(err))
}
