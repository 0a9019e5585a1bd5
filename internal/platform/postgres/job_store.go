package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

const jobColumns = `id, type, status, priority, data, context, attempts, max_attempts,
	scheduled_for, retry_after, started_at, completed_at, error_message, error_details,
	project_id, commit_id, claim_id, claimed_by, created_at, updated_at`

// PostgresJobStore implements store.JobStore on PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent engines never receive the same job.
type PostgresJobStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobStore creates a job store over a connection or transaction.
// If logger is nil, a default logger will be used.
func NewPostgresJobStore(db store.DBTX, logger *slog.Logger) *PostgresJobStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresJobStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

var _ store.JobStore = (*PostgresJobStore)(nil)

// WithTx implements store.JobStore.
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{db: tx, logger: s.logger}
}

// CreateJob implements store.JobStore.
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *domain.Job, dependsOn []uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if err := checkDependencyList(job.ID, dependsOn); err != nil {
		return err
	}

	if len(dependsOn) > 0 {
		var found int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE id = ANY($1::uuid[])`,
			dependsOn,
		).Scan(&found)
		if err != nil {
			return MapError(err)
		}
		if found != len(dependsOn) {
			return fmt.Errorf("%w: %d of %d dependencies do not exist",
				store.ErrInvalidEntity, len(dependsOn)-found, len(dependsOn))
		}
	}

	jobCtx, err := json.Marshal(job.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal job context: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, priority, data, context, attempts, max_attempts,
			scheduled_for, project_id, commit_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		job.ID,
		job.Type,
		job.Status,
		job.Priority,
		[]byte(job.Data),
		jobCtx,
		job.Attempts,
		job.MaxAttempts,
		job.ScheduledFor,
		nullUUID(job.ProjectID),
		nullUUID(job.CommitID),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to insert job",
			slog.String("job_id", job.ID.String()),
			slog.String("job_type", string(job.Type)),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s job for commit", store.ErrDuplicate, job.Type)
	}

	if len(dependsOn) > 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO job_dependencies (job_id, depends_on_job_id, position)
			SELECT $1, dep.id, dep.ord - 1
			FROM unnest($2::uuid[]) WITH ORDINALITY AS dep(id, ord)`,
			job.ID,
			dependsOn,
		)
		if err != nil {
			log.Error("failed to insert job dependencies",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			return MapError(err)
		}
	}

	log.Debug("job created",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.Type)),
		slog.Int("dependencies", len(dependsOn)))
	return nil
}

// GetByID implements store.JobStore.
func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// List implements store.JobStore.
func (s *PostgresJobStore) List(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+"::text[])")
	}
	if len(filter.Types) > 0 {
		where = append(where, "type = ANY("+arg(jobTypeStrings(filter.Types))+"::text[])")
	}
	if filter.ProjectID != nil {
		where = append(where, "project_id = "+arg(*filter.ProjectID))
	}
	if filter.CommitID != nil {
		where = append(where, "commit_id = "+arg(*filter.CommitID))
	}
	if filter.ErrorPrefix != "" {
		where = append(where, "starts_with(error_message, "+arg(filter.ErrorPrefix)+")")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	return s.queryJobs(ctx, query, args...)
}

// Dependencies implements store.JobStore.
func (s *PostgresJobStore) Dependencies(ctx context.Context, jobID uuid.UUID) ([]domain.DependencyState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.depends_on_job_id, p.type, p.status, d.position, p.context, p.completed_at
		FROM job_dependencies d
		JOIN jobs p ON p.id = d.depends_on_job_id
		WHERE d.job_id = $1
		ORDER BY d.position ASC`, jobID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var deps []domain.DependencyState
	for rows.Next() {
		var (
			dep         domain.DependencyState
			rawCtx      []byte
			completedAt sql.NullTime
		)
		if err := rows.Scan(&dep.JobID, &dep.Type, &dep.Status, &dep.Position, &rawCtx, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		var jc domain.JobContext
		if len(rawCtx) > 0 {
			if err := json.Unmarshal(rawCtx, &jc); err != nil {
				return nil, fmt.Errorf("failed to decode dependency context: %w", err)
			}
		}
		dep.Result = jc.Result
		if completedAt.Valid {
			t := completedAt.Time
			dep.CompletedAt = &t
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependency rows: %w", err)
	}
	return deps, nil
}

// AddDependency implements store.JobStore.
func (s *PostgresJobStore) AddDependency(ctx context.Context, jobID, dependsOnID uuid.UUID) error {
	if jobID == dependsOnID {
		return fmt.Errorf("%w: %v", store.ErrCycle, domain.ErrSelfDependency)
	}

	var status domain.JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrJobNotFound
		}
		return MapError(err)
	}
	if status != domain.JobStatusPending {
		return fmt.Errorf("%w: cannot add dependency to %s job", store.ErrInvalidEntity, status)
	}

	// jobID must not be reachable from dependsOnID through existing edges.
	var cyclic bool
	err = s.db.QueryRowContext(ctx, `
		WITH RECURSIVE reach(id) AS (
			SELECT depends_on_job_id FROM job_dependencies WHERE job_id = $1
			UNION
			SELECT d.depends_on_job_id FROM job_dependencies d JOIN reach r ON d.job_id = r.id
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE id = $2)`,
		dependsOnID, jobID,
	).Scan(&cyclic)
	if err != nil {
		return MapError(err)
	}
	if cyclic {
		return fmt.Errorf("%w: %s already depends on %s", store.ErrCycle, dependsOnID, jobID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_dependencies (job_id, depends_on_job_id, position)
		SELECT $1, $2, COALESCE(MAX(position) + 1, 0) FROM job_dependencies WHERE job_id = $1`,
		jobID, dependsOnID,
	)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// Claim implements store.JobStore.
func (s *PostgresJobStore) Claim(ctx context.Context, params store.ClaimParams) ([]*domain.Job, error) {
	if params.Limit <= 0 {
		return nil, nil
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claimID := uuid.New()

	jobs, err := s.queryJobs(ctx, `
		UPDATE jobs
		SET status = 'running',
			started_at = $1,
			updated_at = $1,
			retry_after = NULL,
			claim_id = $2,
			claimed_by = $3
		WHERE id IN (
			SELECT c.id FROM jobs c
			WHERE c.status = 'pending'
				AND c.scheduled_for <= $1
				AND (c.retry_after IS NULL OR c.retry_after <= $1)
				AND (cardinality($4::text[]) = 0 OR c.type = ANY($4::text[]))
				AND NOT EXISTS (
					SELECT 1 FROM job_dependencies d
					JOIN jobs p ON p.id = d.depends_on_job_id
					WHERE d.job_id = c.id AND p.status <> 'completed'
				)
			ORDER BY c.priority DESC, c.created_at ASC
			LIMIT $5
			FOR UPDATE OF c SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now,
		claimID,
		params.WorkerID,
		jobTypeStrings(params.Types),
		params.Limit,
	)
	if err != nil {
		return nil, err
	}

	sortForDispatch(jobs)
	return jobs, nil
}

// Complete implements store.JobStore.
func (s *PostgresJobStore) Complete(ctx context.Context, jobID, claimID uuid.UUID, jobCtx domain.JobContext) error {
	raw, err := json.Marshal(jobCtx)
	if err != nil {
		return fmt.Errorf("failed to marshal job context: %w", err)
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
			context = $3,
			completed_at = $4,
			updated_at = $4,
			claim_id = NULL
		WHERE id = $1 AND status = 'running' AND claim_id = $2`,
		jobID, claimID, raw, now,
	)
	if err != nil {
		return MapError(err)
	}
	return leaseResult(result, jobID)
}

// Fail implements store.JobStore.
func (s *PostgresJobStore) Fail(
	ctx context.Context,
	jobID, claimID uuid.UUID,
	failure domain.Failure,
) (domain.JobStatus, error) {
	now := time.Now().UTC()
	retryAfter := failure.RetryAfter
	if retryAfter.IsZero() {
		retryAfter = now
	}

	var status domain.JobStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1,
			status = CASE WHEN $3 AND attempts + 1 < max_attempts THEN 'pending' ELSE 'failed' END,
			retry_after = CASE WHEN $3 AND attempts + 1 < max_attempts THEN $4::timestamptz ELSE NULL END,
			completed_at = CASE WHEN $3 AND attempts + 1 < max_attempts THEN NULL ELSE $5::timestamptz END,
			error_message = $6,
			error_details = $7,
			claim_id = NULL,
			updated_at = $5
		WHERE id = $1 AND status = 'running' AND claim_id = $2
		RETURNING status`,
		jobID,
		claimID,
		failure.Retryable,
		retryAfter,
		now,
		failure.Message,
		nullJSON(failure.Details),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: job %s", store.ErrLeaseLost, jobID)
		}
		return "", MapError(err)
	}
	return status, nil
}

// ResetStuck implements store.JobStore.
func (s *PostgresJobStore) ResetStuck(ctx context.Context, params store.ResetStuckParams) ([]*domain.Job, error) {
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var exclude []domain.JobType
	if len(params.Types) == 0 {
		exclude = params.ExcludeTypes
	}

	return s.queryJobs(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 < max_attempts THEN 'pending' ELSE 'failed' END,
			completed_at = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE $2::timestamptz END,
			error_message = $3,
			claim_id = NULL,
			claimed_by = NULL,
			updated_at = $2
		WHERE status = 'running'
			AND started_at < $1
			AND (cardinality($4::text[]) = 0 OR type = ANY($4::text[]))
			AND NOT (type = ANY($5::text[]))
		RETURNING `+jobColumns,
		params.StartedBefore,
		now,
		params.Message,
		jobTypeStrings(params.Types),
		jobTypeStrings(exclude),
	)
}

// FailBlocked implements store.JobStore. Each statement fails the direct
// dependents of failed jobs, so it repeats until a pass changes nothing.
func (s *PostgresJobStore) FailBlocked(ctx context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var total int64
	for {
		result, err := s.db.ExecContext(ctx, `
			UPDATE jobs AS j
			SET status = 'failed',
				completed_at = $1,
				updated_at = $1,
				error_message = $2::text || blocker.depends_on_job_id::text
			FROM (
				SELECT DISTINCT ON (d.job_id) d.job_id, d.depends_on_job_id
				FROM job_dependencies d
				JOIN jobs p ON p.id = d.depends_on_job_id
				WHERE p.status = 'failed'
				ORDER BY d.job_id, d.position
			) AS blocker
			WHERE j.id = blocker.job_id AND j.status = 'pending'`,
			now, store.BlockedFailurePrefix,
		)
		if err != nil {
			return total, MapError(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// RequeueFailed implements store.JobStore.
func (s *PostgresJobStore) RequeueFailed(ctx context.Context, filter store.RequeueFilter) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var projectID any
	if filter.ProjectID != nil {
		projectID = *filter.ProjectID
	}

	result, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE targets(id) AS (
			SELECT id FROM jobs
			WHERE status = 'failed'
				AND ($1 = '' OR starts_with(error_message, $1))
				AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
				AND ($3::uuid IS NULL OR project_id = $3::uuid)
				AND (cardinality($4::uuid[]) = 0 OR id = ANY($4::uuid[]))
			UNION
			SELECT d.job_id FROM job_dependencies d
			JOIN targets t ON d.depends_on_job_id = t.id
			JOIN jobs c ON c.id = d.job_id
			WHERE c.status = 'failed' AND starts_with(c.error_message, $5)
		)
		UPDATE jobs
		SET status = 'pending',
			attempts = 0,
			retry_after = NULL,
			started_at = NULL,
			completed_at = NULL,
			error_message = NULL,
			error_details = NULL,
			claim_id = NULL,
			claimed_by = NULL,
			updated_at = $6
		WHERE id IN (SELECT id FROM targets) AND status = 'failed'`,
		filter.ErrorPrefix,
		jobTypeStrings(filter.Types),
		projectID,
		uuidSlice(filter.JobIDs),
		store.BlockedFailurePrefix,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	log.Info("requeued failed jobs",
		slog.Int64("count", n),
		slog.String("error_prefix", filter.ErrorPrefix))
	return n, nil
}

// Stats implements store.JobStore.
func (s *PostgresJobStore) Stats(ctx context.Context) (store.JobStats, error) {
	var stats store.JobStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status domain.JobStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch status {
		case domain.JobStatusPending:
			stats.Pending = count
		case domain.JobStatusRunning:
			stats.Running = count
		case domain.JobStatusCompleted:
			stats.Completed = count
		case domain.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (s *PostgresJobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("job query failed", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job          domain.Job
		data         []byte
		rawCtx       []byte
		retryAfter   sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		errorMessage sql.NullString
		errorDetails []byte
		projectID    uuid.NullUUID
		commitID     uuid.NullUUID
		claimID      uuid.NullUUID
		claimedBy    sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Priority, &data, &rawCtx,
		&job.Attempts, &job.MaxAttempts, &job.ScheduledFor, &retryAfter,
		&startedAt, &completedAt, &errorMessage, &errorDetails,
		&projectID, &commitID, &claimID, &claimedBy, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Data = json.RawMessage(data)
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &job.Context); err != nil {
			return nil, fmt.Errorf("failed to decode job context: %w", err)
		}
	}
	job.RetryAfter = timePtr(retryAfter)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ErrorMessage = errorMessage.String
	if len(errorDetails) > 0 {
		job.ErrorDetails = json.RawMessage(errorDetails)
	}
	job.ProjectID = uuidPtr(projectID)
	job.CommitID = uuidPtr(commitID)
	job.ClaimID = uuidPtr(claimID)
	job.ClaimedBy = claimedBy.String
	return &job, nil
}

// sortForDispatch orders claimed jobs the way they were selected, since
// UPDATE ... RETURNING does not preserve the subquery order.
func sortForDispatch(jobs []*domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func leaseResult(result sql.Result, jobID uuid.UUID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", store.ErrLeaseLost, jobID)
	}
	return nil
}

func checkDependencyList(jobID uuid.UUID, dependsOn []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(dependsOn))
	for _, id := range dependsOn {
		if id == jobID {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrSelfDependency)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: dependency %s listed twice", store.ErrInvalidEntity, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// jobTypeStrings returns a non-nil slice so an empty filter binds as '{}'
// rather than NULL.
func jobTypeStrings(types []domain.JobType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func uuidSlice(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}
