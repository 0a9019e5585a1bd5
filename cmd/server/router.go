package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/commitcast/internal/api"
	apiMiddleware "github.com/phrazzld/commitcast/internal/api/middleware"
	"github.com/phrazzld/commitcast/internal/service/auth"
)

// setupRouter creates the application router. Everything under /api
// requires a bearer token carrying the scope of the route.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.Trace(app.logger))
	r.Use(middleware.Recoverer)

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.tokens)
	statusHandler := api.NewStatusHandler(app.engine, app.logger)
	jobHandler := api.NewJobHandler(app.stores.Jobs, app.logger)
	eventHandler := api.NewEventHandler(app.enqueuer, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireScope(auth.ScopeJobsRead))
			r.Get("/status", statusHandler.GetStatus)
			r.Get("/jobs", jobHandler.ListJobs)
			r.Get("/jobs/{id}", jobHandler.GetJob)
		})

		r.With(apiMiddleware.RequireScope(auth.ScopeJobsWrite)).
			Post("/jobs/requeue", jobHandler.RequeueJobs)
		r.With(apiMiddleware.RequireScope(auth.ScopeEventsWrite)).
			Post("/events/push", eventHandler.PushEvent)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/ready", app.ready)

	return r
}

// ready reports whether the database answers.
func (app *application) ready(w http.ResponseWriter, r *http.Request) {
	if app.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := app.db.PingContext(ctx); err != nil {
			app.logger.Warn("Readiness check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
