package store

import (
	"context"
	"time"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/model"
)

// Guard wraps a Store with a circuit breaker so a dead database fails
// fast with BREAKER_OPEN instead of stacking timeouts in every caller.
// Caller errors (NOT_FOUND, VALIDATION, CONFLICT) are answers, not
// outages, and never count against the breaker.
type Guard struct {
	inner   Store
	breaker *errors.CircuitBreaker
}

var _ Store = (*Guard)(nil)

// Guarded wraps inner with the given breaker. A nil breaker returns
// inner unchanged.
func Guarded(inner Store, breaker *errors.CircuitBreaker) Store {
	if breaker == nil {
		return inner
	}
	return &Guard{inner: inner, breaker: breaker}
}

// Breaker exposes the guarding breaker for state checks.
func (g *Guard) Breaker() *errors.CircuitBreaker { return g.breaker }

func (g *Guard) do(fn func() error) error {
	if !g.breaker.Allow() {
		return errors.New(errors.CodeBreakerOpen,
			"database suspended by circuit breaker")
	}
	err := fn()
	if errors.CountsAsFailure(err) {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return err
}

func (g *Guard) PutDocument(ctx context.Context, doc *model.Document) error {
	return g.do(func() error { return g.inner.PutDocument(ctx, doc) })
}

func (g *Guard) GetDocument(ctx context.Context, uid string) (*model.Document, error) {
	var doc *model.Document
	err := g.do(func() error {
		var innerErr error
		doc, innerErr = g.inner.GetDocument(ctx, uid)
		return innerErr
	})
	return doc, err
}

func (g *Guard) GetDocuments(ctx context.Context, uids []string) ([]*model.Document, error) {
	var docs []*model.Document
	err := g.do(func() error {
		var innerErr error
		docs, innerErr = g.inner.GetDocuments(ctx, uids)
		return innerErr
	})
	return docs, err
}

func (g *Guard) DeleteDocument(ctx context.Context, uid string) error {
	return g.do(func() error { return g.inner.DeleteDocument(ctx, uid) })
}

func (g *Guard) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	err := g.do(func() error {
		var innerErr error
		n, innerErr = g.inner.CountDocuments(ctx)
		return innerErr
	})
	return n, err
}

func (g *Guard) ListChunksPending(ctx context.Context, limit int) ([]string, error) {
	var uids []string
	err := g.do(func() error {
		var innerErr error
		uids, innerErr = g.inner.ListChunksPending(ctx, limit)
		return innerErr
	})
	return uids, err
}

func (g *Guard) GetWatermark(ctx context.Context, source, term string) (time.Time, bool, error) {
	var (
		position time.Time
		found    bool
	)
	err := g.do(func() error {
		var innerErr error
		position, found, innerErr = g.inner.GetWatermark(ctx, source, term)
		return innerErr
	})
	return position, found, err
}

func (g *Guard) SetWatermark(ctx context.Context, source, term string, position time.Time) error {
	return g.do(func() error { return g.inner.SetWatermark(ctx, source, term, position) })
}

func (g *Guard) ForceWatermark(ctx context.Context, source, term string, position time.Time) error {
	return g.do(func() error { return g.inner.ForceWatermark(ctx, source, term, position) })
}

func (g *Guard) ListWatermarks(ctx context.Context) ([]*Watermark, error) {
	var marks []*Watermark
	err := g.do(func() error {
		var innerErr error
		marks, innerErr = g.inner.ListWatermarks(ctx)
		return innerErr
	})
	return marks, err
}

func (g *Guard) EnqueueJob(ctx context.Context, job *Job, idempotencyWindow time.Duration) (*Job, bool, error) {
	var (
		stored   *Job
		inserted bool
	)
	err := g.do(func() error {
		var innerErr error
		stored, inserted, innerErr = g.inner.EnqueueJob(ctx, job, idempotencyWindow)
		return innerErr
	})
	return stored, inserted, err
}

func (g *Guard) GetJob(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := g.do(func() error {
		var innerErr error
		job, innerErr = g.inner.GetJob(ctx, id)
		return innerErr
	})
	return job, err
}

func (g *Guard) ClaimJob(ctx context.Context) (*Job, error) {
	var job *Job
	err := g.do(func() error {
		var innerErr error
		job, innerErr = g.inner.ClaimJob(ctx)
		return innerErr
	})
	return job, err
}

func (g *Guard) UpdateJobProgress(ctx context.Context, id string, progress float64, message string) error {
	return g.do(func() error { return g.inner.UpdateJobProgress(ctx, id, progress, message) })
}

func (g *Guard) CompleteJob(ctx context.Context, id string, result []byte) error {
	return g.do(func() error { return g.inner.CompleteJob(ctx, id, result) })
}

func (g *Guard) FailJob(ctx context.Context, id string, errorCode, message string) error {
	return g.do(func() error { return g.inner.FailJob(ctx, id, errorCode, message) })
}

func (g *Guard) RequeueJob(ctx context.Context, id string, runAfter time.Time, message string) error {
	return g.do(func() error { return g.inner.RequeueJob(ctx, id, runAfter, message) })
}

func (g *Guard) RequestCancel(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := g.do(func() error {
		var innerErr error
		job, innerErr = g.inner.RequestCancel(ctx, id)
		return innerErr
	})
	return job, err
}

func (g *Guard) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := g.do(func() error {
		var innerErr error
		requested, innerErr = g.inner.IsCancelRequested(ctx, id)
		return innerErr
	})
	return requested, err
}

func (g *Guard) MarkCancelled(ctx context.Context, id string) error {
	return g.do(func() error { return g.inner.MarkCancelled(ctx, id) })
}

func (g *Guard) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var list []*Job
	err := g.do(func() error {
		var innerErr error
		list, innerErr = g.inner.ListJobs(ctx, filter)
		return innerErr
	})
	return list, err
}

// Ping reports breaker-open as failure so readiness reflects the
// degraded state without hammering the database.
func (g *Guard) Ping(ctx context.Context) error {
	if g.breaker.State() == errors.StateOpen {
		return errors.New(errors.CodeUnavailable,
			"database circuit breaker is open")
	}
	return g.inner.Ping(ctx)
}

// Close bypasses the breaker.
func (g *Guard) Close() error {
	return g.inner.Close()
}
