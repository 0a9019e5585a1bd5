package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/phrazzld/commitcast/internal/api/middleware"
	"github.com/phrazzld/commitcast/internal/api/shared"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

// JobHandler serves job inspection and requeue requests.
type JobHandler struct {
	jobs   store.JobStore
	logger *slog.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs store.JobStore, log *slog.Logger) *JobHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for JobHandler")
	}
	return &JobHandler{
		jobs:   jobs,
		logger: log.With(slog.String("component", "job_handler")),
	}
}

// ListJobs handles GET /api/jobs?status=&type=&project_id=&commit_id=&limit=&offset=.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	filter, err := parseJobFilter(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		log.Error("failed to list jobs", slog.String("error", err.Error()))
		HandleAPIError(w, r, err, "Failed to list jobs")
		return
	}

	out := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, toJobResponse(j))
	}
	out.Count = len(out.Jobs)
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	j, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("failed to load job", slog.String("job_id", id.String()), slog.String("error", err.Error()))
		}
		HandleAPIError(w, r, err, "")
		return
	}

	deps, err := h.jobs.Dependencies(r.Context(), id)
	if err != nil {
		log.Error("failed to load job dependencies",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()))
		HandleAPIError(w, r, err, "Failed to load job")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, toJobDetailResponse(j, deps))
}

// RequeueJobs handles POST /api/jobs/requeue.
func (h *JobHandler) RequeueJobs(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req RequeueRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	n, err := h.jobs.RequeueFailed(r.Context(), req.Filter())
	if err != nil {
		log.Error("failed to requeue jobs", slog.String("error", err.Error()))
		HandleAPIError(w, r, err, "Failed to requeue jobs")
		return
	}

	log.Info("failed jobs requeued",
		slog.Int64("requeued", n),
		slog.String("error_prefix", req.ErrorPrefix),
		slog.Int("job_ids", len(req.JobIDs)),
		slog.String("subject", middleware.Subject(r)))
	shared.RespondWithJSON(w, r, http.StatusOK, RequeueResponse{Requeued: n})
}

