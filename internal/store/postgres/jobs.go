package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/store"
)

const defaultJobListLimit = 50

// EnqueueJob implements store.JobStore.
func (s *Store) EnqueueJob(ctx context.Context, job *store.Job, idempotencyWindow time.Duration) (*store.Job, bool, error) {
	if job.Tool == "" {
		return nil, false, errors.Validation("tool", "job tool must not be empty")
	}

	if job.IdempotencyKey != "" && idempotencyWindow > 0 {
		since := s.now().Add(-idempotencyWindow)
		existing, err := s.findByIdempotencyKey(ctx, job.Tool, job.IdempotencyKey, since)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	now := s.now().UTC()
	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = store.JobQueued
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = 3
	}
	if stored.RunAfter.IsZero() {
		stored.RunAfter = now
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Args == nil {
		stored.Args = []byte("{}")
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO jobs
	(id, tool, args, idempotency_key, status, progress, message, result, error_code,
	 attempts, max_attempts, cancel_requested, run_after, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, '', NULL, '', 0, $6, FALSE, $7, $8, $9)`,
		stored.ID, stored.Tool, stored.Args, stored.IdempotencyKey,
		string(stored.Status), stored.MaxAttempts,
		stored.RunAfter, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return &stored, true, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, tool, key string, since time.Time) (*store.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelect+`
WHERE tool = $1 AND idempotency_key = $2 AND created_at >= $3
ORDER BY created_at DESC LIMIT 1`,
		tool, key, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanJob(rows)
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(ctx context.Context, id string) (*store.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read job: %w", err)
		}
		return nil, errors.NotFound("job", id)
	}
	return scanJob(rows)
}

// ClaimJob implements store.JobStore. SKIP LOCKED lets concurrent
// workers claim distinct jobs without blocking each other.
func (s *Store) ClaimJob(ctx context.Context) (*store.Job, error) {
	now := s.now().UTC()
	rows, err := s.pool.Query(ctx, `
UPDATE jobs SET
	status = $1,
	attempts = attempts + 1,
	started_at = $2,
	updated_at = $2
WHERE id = (
	SELECT id FROM jobs
	WHERE status = $3 AND run_after <= $2
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns,
		string(store.JobRunning), now, string(store.JobQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanJob(rows)
}

// UpdateJobProgress implements store.JobStore.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress float64, message string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET progress = $1, message = $2, updated_at = $3
WHERE id = $4 AND status = $5`,
		progress, message, s.now().UTC(), id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

// CompleteJob implements store.JobStore.
func (s *Store) CompleteJob(ctx context.Context, id string, result []byte) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, progress = 1, result = $2, finished_at = $3, updated_at = $3
WHERE id = $4 AND status = $5`,
		string(store.JobSucceeded), result, now, id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

// FailJob implements store.JobStore.
func (s *Store) FailJob(ctx context.Context, id string, errorCode, message string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, error_code = $2, message = $3, finished_at = $4, updated_at = $4
WHERE id = $5 AND status IN ($6, $7)`,
		string(store.JobFailed), errorCode, message, now,
		id, string(store.JobRunning), string(store.JobQueued))
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

// RequeueJob implements store.JobStore.
func (s *Store) RequeueJob(ctx context.Context, id string, runAfter time.Time, message string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, message = $2, run_after = $3, started_at = NULL, updated_at = $4
WHERE id = $5 AND status = $6`,
		string(store.JobQueued), message, runAfter.UTC(), s.now().UTC(),
		id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

// RequestCancel implements store.JobStore.
func (s *Store) RequestCancel(ctx context.Context, id string) (*store.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobQueued:
		now := s.now().UTC()
		_, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, cancel_requested = TRUE, finished_at = $2, updated_at = $2
WHERE id = $3 AND status = $4`,
			string(store.JobCancelled), now, id, string(store.JobQueued))
		if err != nil {
			return nil, fmt.Errorf("failed to cancel queued job: %w", err)
		}
	case store.JobRunning:
		_, err := s.pool.Exec(ctx, `
UPDATE jobs SET cancel_requested = TRUE, updated_at = $1
WHERE id = $2 AND status = $3`,
			s.now().UTC(), id, string(store.JobRunning))
		if err != nil {
			return nil, fmt.Errorf("failed to flag job for cancellation: %w", err)
		}
	default:
		return nil, errors.Newf(errors.CodeConflict,
			"job %s is already %s", id, job.Status)
	}

	return s.GetJob(ctx, id)
}

// MarkCancelled implements store.JobStore.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, finished_at = $2, updated_at = $2
WHERE id = $3 AND status = $4`,
		string(store.JobCancelled), now, id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

// IsCancelRequested implements store.JobStore.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if err == pgx.ErrNoRows {
		return false, errors.NotFound("job", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag, nil
}

// ListJobs implements store.JobStore.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultJobListLimit
	}

	query := jobSelect + ` WHERE ($1 = '' OR status = $1) AND ($2 = '' OR tool = $2)
ORDER BY created_at DESC LIMIT $3`

	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.Tool, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const jobColumns = `id, tool, args, idempotency_key, status, progress, message, result,
	error_code, attempts, max_attempts, cancel_requested, run_after,
	created_at, updated_at, started_at, finished_at`

const jobSelect = `SELECT ` + jobColumns + ` FROM jobs`

func scanJob(rows pgx.Rows) (*store.Job, error) {
	var (
		job    store.Job
		jobID  uuid.UUID
		status string
	)

	err := rows.Scan(&jobID, &job.Tool, &job.Args, &job.IdempotencyKey, &status,
		&job.Progress, &job.Message, &job.Result, &job.ErrorCode,
		&job.Attempts, &job.MaxAttempts, &job.CancelRequested, &job.RunAfter,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.ID = jobID.String()
	job.Status = store.JobStatus(status)
	return &job, nil
}
