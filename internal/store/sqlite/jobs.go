package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

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

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs
	(id, tool, args, idempotency_key, status, progress, message, result, error_code,
	 attempts, max_attempts, cancel_requested, run_after, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, '', NULL, '', 0, ?, 0, ?, ?, ?)`,
		stored.ID, stored.Tool, string(stored.Args), stored.IdempotencyKey,
		string(stored.Status), stored.MaxAttempts,
		timeToDB(stored.RunAfter), timeToDB(stored.CreatedAt), timeToDB(stored.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return &stored, true, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, tool, key string, since time.Time) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+`
WHERE tool = ? AND idempotency_key = ? AND created_at >= ?
ORDER BY created_at DESC LIMIT 1`,
		tool, key, timeToDB(since))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return job, nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	return job, nil
}

// ClaimJob implements store.JobStore. SQLite has no SKIP LOCKED; the
// single-writer connection makes UPDATE .. RETURNING atomic enough.
func (s *Store) ClaimJob(ctx context.Context) (*store.Job, error) {
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs SET
	status = ?,
	attempts = attempts + 1,
	started_at = ?,
	updated_at = ?
WHERE id = (
	SELECT id FROM jobs
	WHERE status = ? AND run_after <= ?
	ORDER BY created_at
	LIMIT 1
)
RETURNING `+jobColumns,
		string(store.JobRunning), timeToDB(now), timeToDB(now),
		string(store.JobQueued), timeToDB(now))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// UpdateJobProgress implements store.JobStore.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress float64, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET progress = ?, message = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		progress, message, timeToDB(s.now()), id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return requireRow(res, id)
}

// CompleteJob implements store.JobStore.
func (s *Store) CompleteJob(ctx context.Context, id string, result []byte) error {
	now := timeToDB(s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, progress = 1, result = ?, finished_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(store.JobSucceeded), nullableBytes(result), now, now,
		id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireRow(res, id)
}

// FailJob implements store.JobStore.
func (s *Store) FailJob(ctx context.Context, id string, errorCode, message string) error {
	now := timeToDB(s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, error_code = ?, message = ?, finished_at = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
		string(store.JobFailed), errorCode, message, now, now,
		id, string(store.JobRunning), string(store.JobQueued))
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return requireRow(res, id)
}

// RequeueJob implements store.JobStore.
func (s *Store) RequeueJob(ctx context.Context, id string, runAfter time.Time, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, message = ?, run_after = ?, started_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(store.JobQueued), message, timeToDB(runAfter), timeToDB(s.now()),
		id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return requireRow(res, id)
}

// RequestCancel implements store.JobStore.
func (s *Store) RequestCancel(ctx context.Context, id string) (*store.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobQueued:
		now := timeToDB(s.now())
		_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, cancel_requested = 1, finished_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
			string(store.JobCancelled), now, now, id, string(store.JobQueued))
		if err != nil {
			return nil, fmt.Errorf("failed to cancel queued job: %w", err)
		}
	case store.JobRunning:
		_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET cancel_requested = 1, updated_at = ?
WHERE id = ? AND status = ?`,
			timeToDB(s.now()), id, string(store.JobRunning))
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
	now := timeToDB(s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(store.JobCancelled), now, now, id, string(store.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	return requireRow(res, id)
}

// IsCancelRequested implements store.JobStore.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, errors.NotFound("job", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// ListJobs implements store.JobStore.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultJobListLimit
	}

	query := jobSelect + ` WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, filter.Tool)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const jobColumns = `id, tool, args, idempotency_key, status, progress, message, result,
	error_code, attempts, max_attempts, cancel_requested, run_after,
	created_at, updated_at, started_at, finished_at`

const jobSelect = `SELECT ` + jobColumns + ` FROM jobs`

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		job                   store.Job
		status                string
		args                  string
		result                sql.NullString
		cancelFlag            int
		runAfter              string
		createdAt, updatedAt  string
		startedAt, finishedAt sql.NullString
	)

	err := row.Scan(&job.ID, &job.Tool, &args, &job.IdempotencyKey, &status,
		&job.Progress, &job.Message, &result, &job.ErrorCode,
		&job.Attempts, &job.MaxAttempts, &cancelFlag, &runAfter,
		&createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Status = store.JobStatus(status)
	job.Args = []byte(args)
	if result.Valid {
		job.Result = []byte(result.String)
	}
	job.CancelRequested = cancelFlag != 0
	if job.RunAfter, err = timeFromDB(runAfter); err != nil {
		return nil, fmt.Errorf("bad run_after: %w", err)
	}
	if job.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if job.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	if job.StartedAt, err = timePtrFromDB(startedAt); err != nil {
		return nil, fmt.Errorf("bad started_at: %w", err)
	}
	if job.FinishedAt, err = timePtrFromDB(finishedAt); err != nil {
		return nil, fmt.Errorf("bad finished_at: %w", err)
	}
	return &job, nil
}

// requireRow converts a zero-row update into NOT_FOUND.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
