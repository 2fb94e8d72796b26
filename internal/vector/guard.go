package vector

import (
	"context"

	"github.com/medlit/medlit/internal/errors"
)

// Guard wraps a Store with a circuit breaker so a dead index fails
// fast instead of stalling every caller. While the breaker is open all
// operations return BREAKER_OPEN; in half-open exactly one call flows
// through as the recovery probe.
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

// do runs fn through the breaker. Only dependency failures count
// against it; caller errors pass through as successes.
func (g *Guard) do(fn func() error) error {
	if !g.breaker.Allow() {
		return errors.New(errors.CodeBreakerOpen,
			"vector store suspended by circuit breaker")
	}
	err := fn()
	if errors.CountsAsFailure(err) {
		g.breaker.RecordFailure()
		if errors.CodeOf(err) == errors.CodeUnknown {
			return errors.Upstream("vector_store", err)
		}
		return err
	}
	g.breaker.RecordSuccess()
	return err
}

// UpsertChunks implements Store.
func (g *Guard) UpsertChunks(ctx context.Context, records []*ChunkRecord) error {
	return g.do(func() error { return g.inner.UpsertChunks(ctx, records) })
}

// DeleteChunks implements Store.
func (g *Guard) DeleteChunks(ctx context.Context, uuids []string) error {
	return g.do(func() error { return g.inner.DeleteChunks(ctx, uuids) })
}

// ListByParent implements Store.
func (g *Guard) ListByParent(ctx context.Context, parentUID string) ([]string, error) {
	var out []string
	err := g.do(func() error {
		var innerErr error
		out, innerErr = g.inner.ListByParent(ctx, parentUID)
		return innerErr
	})
	return out, err
}

// HybridSearch implements Store.
func (g *Guard) HybridSearch(ctx context.Context, q HybridQuery) ([]*Hit, error) {
	var hits []*Hit
	err := g.do(func() error {
		var innerErr error
		hits, innerErr = g.inner.HybridSearch(ctx, q)
		return innerErr
	})
	return hits, err
}

// Ready implements Store. An open breaker makes the index unready
// without sending a probe its way.
func (g *Guard) Ready(ctx context.Context) error {
	if g.breaker.State() == errors.StateOpen {
		return errors.New(errors.CodeUnavailable,
			"vector store circuit breaker is open")
	}
	return g.inner.Ready(ctx)
}

// Close implements Store. Shutdown bypasses the breaker.
func (g *Guard) Close() error {
	return g.inner.Close()
}
