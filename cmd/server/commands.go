package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/api"
	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/events"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/platform/postgres"
	"github.com/phrazzld/commitcast/internal/service/auth"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
}

// loadConfig reads the configuration and installs a logger writing to w.
// Operator commands log to stderr so their stdout stays parseable.
func (o *rootOptions) loadConfig(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.SetupWithWriter(cfg.Server, w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, log, nil
}

// bootstrap is loadConfig followed by opening the database.
func (o *rootOptions) bootstrap(ctx context.Context, w io.Writer) (*config.Config, *slog.Logger, *sql.DB, error) {
	cfg, log, err := o.loadConfig(w)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := setupAppDatabase(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, db, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "commitcast",
		Short:         "commitcast turns pushed commits into summarized email notifications.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to a config file (default ./config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newJobsCmd(opts),
		newEventsCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, db, err := opts.bootstrap(ctx, os.Stdout)
			if err != nil {
				return err
			}
			app, err := newApplication(ctx, cfg, log, db)
			if err != nil {
				_ = db.Close()
				return err
			}
			return app.Run(ctx)
		},
	}
}

var migrateCommands = []string{"up", "down", "reset", "status", "version"}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Apply or inspect database migrations",
		ValidArgs: migrateCommands,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, log, db, err := opts.bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer db.Close()
			return postgres.Migrate(ctx, db, args[0], log)
		},
	}
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and operate the job queue",
	}
	cmd.AddCommand(newJobsStatusCmd(opts), newJobsRequeueCmd(opts), newJobsDrainCmd(opts))
	return cmd
}

func newJobsStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts by status and the jobs currently running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, log, db, err := opts.bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer db.Close()
			return printQueueStatus(ctx, cmd.OutOrStdout(), newStores(db, log).Jobs, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output status as JSON")
	return cmd
}

// queueStatus is the output of `jobs status`.
type queueStatus struct {
	Stats   store.JobStats    `json:"stats"`
	Running []api.JobResponse `json:"running"`
}

func printQueueStatus(ctx context.Context, out io.Writer, jobs store.JobStore, asJSON bool) error {
	stats, err := jobs.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read job stats: %w", err)
	}
	running, err := jobs.List(ctx, store.JobFilter{
		Statuses: []domain.JobStatus{domain.JobStatusRunning},
		Limit:    api.MaxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	status := queueStatus{Stats: stats, Running: make([]api.JobResponse, 0, len(running))}
	for _, j := range running {
		status.Running = append(status.Running, api.JobResponse{
			ID:        j.ID,
			Type:      j.Type,
			Status:    j.Status,
			Attempts:  j.Attempts,
			StartedAt: j.StartedAt,
			ClaimedBy: j.ClaimedBy,
		})
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PENDING\tRUNNING\tCOMPLETED\tFAILED")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", stats.Pending, stats.Running, stats.Completed, stats.Failed)
	if len(status.Running) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "JOB\tTYPE\tATTEMPTS\tWORKER\tSTARTED")
		for _, j := range status.Running {
			started := "-"
			if j.StartedAt != nil {
				started = j.StartedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Type, j.Attempts, j.ClaimedBy, started)
		}
	}
	return w.Flush()
}

// requeueOptions are the flags of `jobs requeue`.
type requeueOptions struct {
	errorPrefix string
	types       []string
	projectID   string
	jobIDs      []string
}

// request converts the flags to the same request the API accepts, so both
// surfaces apply one set of rules.
func (o *requeueOptions) request() (*api.RequeueRequest, error) {
	req := &api.RequeueRequest{ErrorPrefix: o.errorPrefix}
	for _, t := range o.types {
		req.Types = append(req.Types, domain.JobType(t))
	}
	if o.projectID != "" {
		id, err := uuid.Parse(o.projectID)
		if err != nil {
			return nil, fmt.Errorf("invalid --project-id %q: %w", o.projectID, err)
		}
		req.ProjectID = &id
	}
	for _, raw := range o.jobIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --id %q: %w", raw, err)
		}
		req.JobIDs = append(req.JobIDs, id)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func newJobsRequeueCmd(opts *rootOptions) *cobra.Command {
	ro := &requeueOptions{}
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return failed jobs to pending",
		Long: "Return failed jobs to pending with their attempts reset. Jobs are selected by\n" +
			"error message prefix or by id; dependents that failed because of them are\n" +
			"requeued as well.",
		Example: `  commitcast jobs requeue --error-prefix "insufficient credits"
  commitcast jobs requeue --id 6f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := ro.request()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			_, log, db, err := opts.bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer db.Close()
			return requeue(ctx, cmd.OutOrStdout(), newStores(db, log).Jobs, req)
		},
	}
	cmd.Flags().StringVar(&ro.errorPrefix, "error-prefix", "", "requeue failed jobs whose error starts with this")
	cmd.Flags().StringSliceVar(&ro.types, "type", nil, "restrict to these job types")
	cmd.Flags().StringVar(&ro.projectID, "project-id", "", "restrict to one project")
	cmd.Flags().StringSliceVar(&ro.jobIDs, "id", nil, "requeue these jobs")
	return cmd
}

func requeue(ctx context.Context, out io.Writer, jobs store.JobStore, req *api.RequeueRequest) error {
	n, err := jobs.RequeueFailed(ctx, req.Filter())
	if err != nil {
		return fmt.Errorf("failed to requeue jobs: %w", err)
	}
	fmt.Fprintf(out, "requeued %d jobs\n", n)
	return nil
}

func newJobsDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run every runnable job to completion, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, db, err := opts.bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			app, err := newApplication(ctx, cfg, log, db)
			if err != nil {
				_ = db.Close()
				return err
			}
			defer app.cleanup()

			n, err := app.engine.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "executed %d jobs\n", n)
			return err
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Feed push events into the queue",
	}
	cmd.AddCommand(newEventsReplayCmd(opts))
	return cmd
}

func newEventsReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE",
		Short: "Enqueue a push event read from a JSON file (- for stdin)",
		Long: "Enqueue a push event in the format accepted by POST /api/events/push.\n" +
			"Replaying a delivery that was already received does nothing.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := readPushEvent(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, log, db, err := opts.bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer db.Close()
			_, emitter := newIntake(newStores(db, log).Jobs, cfg.Engine, log)
			return replay(ctx, cmd.OutOrStdout(), emitter, event)
		},
	}
}

func readPushEvent(stdin io.Reader, path string) (*events.CommitPushEvent, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open event file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var req api.PushEventRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode push event: %w", err)
	}
	return req.Event(time.Now().UTC()), nil
}

func replay(ctx context.Context, out io.Writer, emitter events.EventEmitter, event *events.CommitPushEvent) error {
	if err := emitter.EmitEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to enqueue push event: %w", err)
	}
	fmt.Fprintf(out, "delivery %s queued as job %s\n", event.DeliveryID, events.DeliveryJobID(event.DeliveryID))
	return nil
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCmd(opts))
	return cmd
}

func newTokenIssueCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed bearer token for the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(cfg.Auth)
			if err != nil {
				return err
			}
			return issueToken(cmd.Context(), cmd.OutOrStdout(), tokens, subject, scopes, ttl)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "who the token is for (required)")
	cmd.Flags().StringSliceVar(&scopes, "scope", auth.AllScopes, "scopes granted to the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func issueToken(
	ctx context.Context,
	out io.Writer,
	tokens auth.TokenService,
	subject string,
	scopes []string,
	ttl time.Duration,
) error {
	token, err := tokens.GenerateToken(ctx, subject, scopes, ttl)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
