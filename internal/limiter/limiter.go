// Package limiter enforces invocation concurrency caps: one global
// semaphore for the whole service plus optional per-tool semaphores.
// Acquisition is non-blocking; callers that find no slot get a
// RATE_LIMIT error and a Retry-After hint derived from observed
// latencies.
package limiter

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/medlit/medlit/internal/errors"
)

// latencyWindow bounds the latency sample used for Retry-After hints.
const latencyWindow = 64

// minRetryAfter floors the hint; suggesting less than a second just
// invites an immediate second rejection.
const minRetryAfter = time.Second

// Limiter caps concurrent invocations.
type Limiter struct {
	global  *semaphore.Weighted
	perTool map[string]*semaphore.Weighted

	mu        sync.Mutex
	latencies []time.Duration
	cursor    int
}

// New creates a limiter with the given global cap and per-tool caps.
// Tools absent from perTool are bounded only by the global cap.
func New(global int64, perTool map[string]int64) *Limiter {
	if global <= 0 {
		global = 200
	}

	l := &Limiter{
		global:  semaphore.NewWeighted(global),
		perTool: make(map[string]*semaphore.Weighted, len(perTool)),
	}
	for tool, cap := range perTool {
		if cap > 0 {
			l.perTool[tool] = semaphore.NewWeighted(cap)
		}
	}
	return l
}

// Acquire takes a global slot and, when the tool has its own cap, a
// per-tool slot. It never blocks: if either slot is unavailable it
// returns a RATE_LIMIT error immediately. On success the returned
// release function must be called exactly once.
func (l *Limiter) Acquire(tool string) (func(), error) {
	if !l.global.TryAcquire(1) {
		return nil, errors.New(errors.CodeRateLimit, "service concurrency limit reached")
	}

	sem, capped := l.perTool[tool]
	if capped && !sem.TryAcquire(1) {
		l.global.Release(1)
		return nil, errors.Newf(errors.CodeRateLimit, "tool %s concurrency limit reached", tool)
	}

	start := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.observe(time.Since(start))
			if capped {
				sem.Release(1)
			}
			l.global.Release(1)
		})
	}, nil
}

// RetryAfter suggests a wait before retrying a rejected call: the
// median of recently observed invocation latencies, floored at one
// second.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.latencies) == 0 {
		return minRetryAfter
	}

	sorted := make([]time.Duration, len(l.latencies))
	copy(sorted, l.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	median := sorted[len(sorted)/2]
	if median < minRetryAfter {
		return minRetryAfter
	}
	return median.Round(time.Second)
}

// observe records one invocation latency in the ring.
func (l *Limiter) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.latencies) < latencyWindow {
		l.latencies = append(l.latencies, d)
		return
	}
	l.latencies[l.cursor] = d
	l.cursor = (l.cursor + 1) % latencyWindow
}
