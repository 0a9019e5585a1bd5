package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/store"
)

// Page size limits of GET /api/jobs.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// getPathUUID parses the chi URL parameter name as a UUID.
func getPathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrInvalidID, name)
	}
	return id, nil
}

// parseJobFilter reads status, type, project_id, commit_id, limit and offset
// from the query string. status and type accept comma-separated lists.
func parseJobFilter(r *http.Request) (store.JobFilter, error) {
	q := r.URL.Query()
	filter := store.JobFilter{Limit: DefaultListLimit}

	for _, s := range splitList(q.Get("status")) {
		status := domain.JobStatus(s)
		if !status.IsValid() {
			return filter, fmt.Errorf("%w: %q", domain.ErrInvalidJobStatus, s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, t := range splitList(q.Get("type")) {
		jobType := domain.JobType(t)
		if !jobType.IsValid() {
			return filter, fmt.Errorf("%w: %q", domain.ErrInvalidJobType, t)
		}
		filter.Types = append(filter.Types, jobType)
	}

	var err error
	if filter.ProjectID, err = optionalUUID(q.Get("project_id")); err != nil {
		return filter, err
	}
	if filter.CommitID, err = optionalUUID(q.Get("commit_id")); err != nil {
		return filter, err
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation)
		}
		filter.Limit = min(n, MaxListLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("%w: offset must be a non-negative integer", domain.ErrValidation)
		}
		filter.Offset = n
	}
	return filter, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidID, raw)
	}
	return &id, nil
}
