package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/commitcast/internal/config"
	"github.com/phrazzld/commitcast/internal/events"
	"github.com/phrazzld/commitcast/internal/handlers"
	"github.com/phrazzld/commitcast/internal/job"
	"github.com/phrazzld/commitcast/internal/platform/email"
	"github.com/phrazzld/commitcast/internal/platform/gemini"
	"github.com/phrazzld/commitcast/internal/platform/github"
	"github.com/phrazzld/commitcast/internal/platform/postgres"
	"github.com/phrazzld/commitcast/internal/service/auth"
	"github.com/phrazzld/commitcast/internal/store"
	"github.com/phrazzld/commitcast/internal/workflow"
)

// application holds the wired components of a running server.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	db       *sql.DB
	stores   store.Stores
	engine   *job.Engine
	enqueuer *events.JobEnqueuer
	emitter  *events.InMemoryEventEmitter
	tokens   auth.TokenService
}

// newStores returns the postgres-backed stores on db.
func newStores(db store.DBTX, logger *slog.Logger) store.Stores {
	return store.Stores{
		Jobs:    postgres.NewPostgresJobStore(db, logger),
		Commits: postgres.NewPostgresCommitStore(db, logger),
	}
}

// newIntake returns the enqueuer that turns push events into root jobs and
// an emitter dispatching to it.
func newIntake(
	jobs store.JobStore,
	cfg config.EngineConfig,
	logger *slog.Logger,
) (*events.JobEnqueuer, *events.InMemoryEventEmitter) {
	enqueuer := events.NewJobEnqueuer(jobs, 0, cfg.DefaultMaxAttempts, logger)
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(enqueuer)
	return enqueuer, emitter
}

// newApplication wires every component against db. The external clients
// are created here, so a bad GitHub key or a missing Gemini key fails at
// startup rather than on the first job.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	stores := newStores(db, logger)
	tx := store.NewSQLTransactor(db, stores)

	diffs, err := github.NewDiffFetcher(ctx, cfg.GitHub, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	summarizer, err := gemini.NewSummarizer(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}
	if cfg.Email.APIURL == "" {
		logger.Warn("email api_url is not configured, send_email jobs will fail")
	}

	registry := handlers.NewRegistry(handlers.Dependencies{
		Transactor:  tx,
		Builder:     workflow.NewBuilder(tx, stores.Jobs, logger),
		Diffs:       diffs,
		Summarizer:  summarizer,
		Email:       email.NewSender(cfg.Email, nil, logger),
		Commits:     stores.Commits,
		MaxAttempts: cfg.Engine.DefaultMaxAttempts,
		Logger:      logger,
	})

	tokens, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	enqueuer, emitter := newIntake(stores.Jobs, cfg.Engine, logger)

	return &application{
		config:   cfg,
		logger:   logger,
		db:       db,
		stores:   stores,
		engine:   job.NewEngine(stores.Jobs, registry, job.ConfigFromSettings(cfg.Engine), logger),
		enqueuer: enqueuer,
		emitter:  emitter,
		tokens:   tokens,
	}, nil
}

// cleanup releases the resources held by the application.
func (app *application) cleanup() {
	if app.db == nil {
		return
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error("Failed to close database connection", "error", err)
	}
}
