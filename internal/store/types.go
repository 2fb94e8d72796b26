// Package store defines the relational persistence contracts:
// documents, sync watermarks, and the async job queue. Postgres and
// embedded SQLite implementations live in subpackages.
package store

import (
	"context"
	"time"

	"github.com/medlit/medlit/internal/model"
)

// DocumentStore persists normalized documents.
type DocumentStore interface {
	// PutDocument inserts or replaces a document by UID.
	PutDocument(ctx context.Context, doc *model.Document) error

	// GetDocument returns a document by UID, or a NOT_FOUND error.
	GetDocument(ctx context.Context, uid string) (*model.Document, error)

	// GetDocuments returns the documents found among the given UIDs;
	// missing UIDs are skipped.
	GetDocuments(ctx context.Context, uids []string) ([]*model.Document, error)

	// DeleteDocument removes a document by UID; unknown UIDs are a no-op.
	DeleteDocument(ctx context.Context, uid string) error

	// CountDocuments returns the total document count.
	CountDocuments(ctx context.Context) (int64, error)

	// ListChunksPending returns UIDs of documents whose chunks failed to
	// index and await repair, oldest first. limit caps the page; 0 uses
	// the store default.
	ListChunksPending(ctx context.Context, limit int) ([]string, error)
}

// Watermark records sync progress for one (source, term) pair.
type Watermark struct {
	Source    string
	Term      string
	Position  time.Time
	UpdatedAt time.Time
}

// WatermarkStore persists incremental-sync positions.
type WatermarkStore interface {
	// GetWatermark returns the stored position; found is false when the
	// pair has never synced.
	GetWatermark(ctx context.Context, source, term string) (position time.Time, found bool, err error)

	// SetWatermark stores the position for a pair, creating it if
	// needed. Positions only move forward; a regressing position is a
	// CONFLICT error.
	SetWatermark(ctx context.Context, source, term string, position time.Time) error

	// ForceWatermark stores the position unconditionally, for operator
	// resets.
	ForceWatermark(ctx context.Context, source, term string, position time.Time) error

	// ListWatermarks returns all stored watermarks.
	ListWatermarks(ctx context.Context) ([]*Watermark, error)
}

// JobStatus is the lifecycle state of an async job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is one queued tool invocation.
type Job struct {
	ID             string
	Tool           string
	Args           []byte
	IdempotencyKey string
	Status         JobStatus
	// Progress is in [0,1].
	Progress float64
	Message  string
	Result   []byte
	// ErrorCode is the stable wire code of the final failure.
	ErrorCode string
	Attempts  int
	// MaxAttempts bounds retries of retryable failures.
	MaxAttempts     int
	CancelRequested bool
	// RunAfter delays claiming, used for retry backoff.
	RunAfter   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobFilter restricts job listings.
type JobFilter struct {
	// Status limits to one status; empty lists all.
	Status JobStatus
	// Tool limits to one tool; empty lists all.
	Tool string
	// Limit caps results; 0 uses the store default.
	Limit int
}

// JobStore persists the async job queue.
type JobStore interface {
	// EnqueueJob inserts a job. When the job carries an idempotency key
	// and a job with the same (tool, key) was created within the window,
	// the existing job is returned instead and inserted is false.
	EnqueueJob(ctx context.Context, job *Job, idempotencyWindow time.Duration) (stored *Job, inserted bool, err error)

	// GetJob returns a job by ID, or a NOT_FOUND error.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ClaimJob atomically claims the oldest runnable queued job and
	// marks it running. Returns nil when no job is runnable.
	ClaimJob(ctx context.Context) (*Job, error)

	// UpdateJobProgress records progress for a running job.
	UpdateJobProgress(ctx context.Context, id string, progress float64, message string) error

	// CompleteJob marks a job succeeded with its result payload.
	CompleteJob(ctx context.Context, id string, result []byte) error

	// FailJob marks a terminal failure.
	FailJob(ctx context.Context, id string, errorCode, message string) error

	// RequeueJob returns a running job to the queue for retry after the
	// given delay.
	RequeueJob(ctx context.Context, id string, runAfter time.Time, message string) error

	// RequestCancel flags a queued or running job for cancellation.
	// Queued jobs are cancelled immediately; running jobs observe the
	// flag at their next suspension point. Cancelling a terminal job is
	// a CONFLICT error.
	RequestCancel(ctx context.Context, id string) (*Job, error)

	// IsCancelRequested reports the cancellation flag for a job.
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	// MarkCancelled finalizes a running job whose handler observed the
	// cancellation flag and stopped.
	MarkCancelled(ctx context.Context, id string) error

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// Store aggregates the persistence interfaces with lifecycle hooks.
type Store interface {
	DocumentStore
	WatermarkStore
	JobStore

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying pool or file handle.
	Close() error
}
