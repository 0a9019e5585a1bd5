package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/events"
	"github.com/phrazzld/commitcast/internal/platform/memory"
	"github.com/phrazzld/commitcast/internal/service/auth"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequeueOptions(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	tests := []struct {
		name    string
		opts    requeueOptions
		wantErr string
		check   func(t *testing.T, f store.RequeueFilter)
	}{
		{name: "no selector", opts: requeueOptions{types: []string{"send_email"}}, wantErr: "error_prefix or job_ids"},
		{name: "unknown type", opts: requeueOptions{errorPrefix: "x", types: []string{"resize"}}, wantErr: "resize"},
		{name: "bad project", opts: requeueOptions{errorPrefix: "x", projectID: "p1"}, wantErr: "--project-id"},
		{name: "bad id", opts: requeueOptions{jobIDs: []string{"nope"}}, wantErr: "--id"},
		{
			name: "prefix and type",
			opts: requeueOptions{errorPrefix: "insufficient credits", types: []string{"generate_summary"}},
			check: func(t *testing.T, f store.RequeueFilter) {
				assert.Equal(t, "insufficient credits", f.ErrorPrefix)
				assert.Equal(t, []domain.JobType{domain.JobTypeGenerateSummary}, f.Types)
			},
		},
		{
			name: "ids",
			opts: requeueOptions{jobIDs: []string{id.String()}},
			check: func(t *testing.T, f store.RequeueFilter) {
				assert.Equal(t, []uuid.UUID{id}, f.JobIDs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.opts.request()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, req.Filter())
		})
	}
}

func TestRootCmd_RejectsBadArgsBeforeLoadingConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown migrate command", args: []string{"migrate", "sideways"}, want: "invalid argument"},
		{name: "missing migrate command", args: []string{"migrate"}, want: "accepts 1 arg"},
		{name: "token without subject", args: []string{"token", "issue"}, want: "subject"},
		{name: "replay without file", args: []string{"events", "replay"}, want: "accepts 1 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			err := cmd.ExecuteContext(t.Context())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPrintQueueStatus(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := memory.New(nil).Jobs()

	for i := 0; i < 2; i++ {
		j, err := domain.NewJob(domain.NewJobParams{Data: &domain.SendEmailData{Recipients: []string{"a@example.com"}}})
		require.NoError(t, err)
		require.NoError(t, jobs.CreateJob(ctx, j, nil))
	}
	claimed, err := jobs.Claim(ctx, store.ClaimParams{Limit: 1, WorkerID: "w-7", Now: time.Now().Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var text bytes.Buffer
	require.NoError(t, printQueueStatus(ctx, &text, jobs, false))
	assert.Contains(t, text.String(), "PENDING")
	assert.Contains(t, text.String(), claimed[0].ID.String())
	assert.Contains(t, text.String(), "w-7")

	var raw bytes.Buffer
	require.NoError(t, printQueueStatus(ctx, &raw, jobs, true))
	var got queueStatus
	require.NoError(t, json.Unmarshal(raw.Bytes(), &got))
	assert.Equal(t, int64(1), got.Stats.Pending)
	assert.Equal(t, int64(1), got.Stats.Running)
	require.Len(t, got.Running, 1)
	assert.Equal(t, claimed[0].ID, got.Running[0].ID)
}

func TestRequeue(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := memory.New(nil).Jobs()

	j, err := domain.NewJob(domain.NewJobParams{Data: &domain.SendEmailData{Recipients: []string{"a@example.com"}}})
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(ctx, j, nil))
	claimed, err := jobs.Claim(ctx, store.ClaimParams{Limit: 1, Now: time.Now().Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = jobs.Fail(ctx, j.ID, *claimed[0].ClaimID, domain.Failure{Message: "provider rejected key"})
	require.NoError(t, err)

	req, err := (&requeueOptions{errorPrefix: "provider"}).request()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, requeue(ctx, &out, jobs, req))
	assert.Equal(t, "requeued 1 jobs\n", out.String())

	got, err := jobs.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status)
}

func TestReplay(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := memory.New(nil).Jobs()
	_, emitter := newIntake(jobs, config.EngineConfig{DefaultMaxAttempts: 3}, nil)

	body := `{
		"delivery_id": "replayed-1",
		"project_id": "` + uuid.NewString() + `",
		"repo_owner": "acme",
		"repo_name": "widgets",
		"commits": [{"sha": "abc1234", "message": "Tune pool"}]
	}`
	event, err := readPushEvent(strings.NewReader(body), "-")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		var out bytes.Buffer
		require.NoError(t, replay(ctx, &out, emitter, event))
		assert.Contains(t, out.String(), events.DeliveryJobID("replayed-1").String())
	}

	stats, err := jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "a replayed delivery is enqueued once")

	_, err = readPushEvent(strings.NewReader(`{"delivery_id": "x", "bogus": true}`), "-")
	assert.Error(t, err)

	_, err = readPushEvent(nil, "/does/not/exist.json")
	assert.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	app, _ := newTestApp(t)

	var out bytes.Buffer
	require.NoError(t, issueToken(ctx, &out, app.tokens, "deploy-bot", []string{auth.ScopeEventsWrite}, time.Hour))

	claims, err := app.tokens.ValidateToken(ctx, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "deploy-bot", claims.Subject)
	assert.True(t, claims.HasScope(auth.ScopeEventsWrite))

	assert.Error(t, issueToken(ctx, &out, app.tokens, "deploy-bot", []string{"root"}, time.Hour))
}
