package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/tool"
)

// DefaultIdempotencyWindow deduplicates enqueues carrying the same
// (tool, key) pair.
const DefaultIdempotencyWindow = 24 * time.Hour

// Queue validates and enqueues jobs for the pool.
type Queue struct {
	store    store.JobStore
	registry *tool.Registry
	window   time.Duration
	attempts int
}

// NewQueue wires the enqueue path. maxAttempts bounds retries per job;
// zero uses the store default.
func NewQueue(st store.JobStore, registry *tool.Registry, window time.Duration, maxAttempts int) *Queue {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	return &Queue{store: st, registry: registry, window: window, attempts: maxAttempts}
}

// Enqueue validates the tool and params, then persists a queued job.
// inserted is false when an idempotency key matched an existing job.
func (q *Queue) Enqueue(ctx context.Context, toolName string, args json.RawMessage, idempotencyKey string) (*store.Job, bool, error) {
	t, err := q.registry.Get(toolName)
	if err != nil {
		return nil, false, err
	}
	if err := t.Validate(args); err != nil {
		return nil, false, err
	}

	return q.store.EnqueueJob(ctx, &store.Job{
		Tool:           toolName,
		Args:           args,
		IdempotencyKey: idempotencyKey,
		MaxAttempts:    q.attempts,
	}, q.window)
}
