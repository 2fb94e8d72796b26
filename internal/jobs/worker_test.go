package jobs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/store/sqlite"
	"github.com/medlit/medlit/internal/tool"
)

// testTool is a scriptable job handler.
type testTool struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context, params json.RawMessage, progress tool.ProgressFunc) (any, error)
}

func (s *testTool) Name() string                   { return s.name }
func (s *testTool) Description() string            { return "test" }
func (s *testTool) LongRunning() bool              { return true }
func (s *testTool) Timeout() time.Duration         { return s.timeout }
func (s *testTool) Validate(json.RawMessage) error { return nil }

func (s *testTool) Run(ctx context.Context, params json.RawMessage, progress tool.ProgressFunc) (any, error) {
	return s.run(ctx, params, progress)
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPool(st store.JobStore, tools ...tool.Tool) *Pool {
	registry := tool.NewRegistry()
	for _, tl := range tools {
		registry.Register(tl)
	}
	return NewPool(Options{
		Store:            st,
		Registry:         registry,
		Workers:          2,
		PollInterval:     10 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
		CancelPoll:       10 * time.Millisecond,
		Backoff:          errors.RetryConfig{Schedule: []time.Duration{10 * time.Millisecond}},
	})
}

// runPool starts the pool and returns a stop function that waits for
// the workers to drain.
func runPool(t *testing.T, p *Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitForStatus(t *testing.T, st store.JobStore, id string, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", id, job.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_RunsJobToSuccess(t *testing.T) {
	st := newTestStore(t)
	p := newPool(st, &testTool{
		name: "sync",
		run: func(ctx context.Context, params json.RawMessage, progress tool.ProgressFunc) (any, error) {
			progress(0.5, "halfway")
			return map[string]any{"records": 7}, nil
		},
	})
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobSucceeded)
	assert.Equal(t, 1.0, final.Progress)
	assert.JSONEq(t, `{"records":7}`, string(final.Result))
	assert.NotNil(t, final.FinishedAt)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	st := newTestStore(t)
	var calls atomic.Int32
	p := newPool(st, &testTool{
		name: "sync",
		run: func(ctx context.Context, _ json.RawMessage, _ tool.ProgressFunc) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.Upstream("entrez", errors.New(errors.CodeUnavailable, "down"))
			}
			return "ok", nil
		},
	})
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "sync", MaxAttempts: 3}, 0)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobSucceeded)
	assert.Equal(t, 3, final.Attempts)
}

func TestPool_TerminalErrorNotRetried(t *testing.T) {
	st := newTestStore(t)
	var calls atomic.Int32
	p := newPool(st, &testTool{
		name: "sync",
		run: func(ctx context.Context, _ json.RawMessage, _ tool.ProgressFunc) (any, error) {
			calls.Add(1)
			return nil, errors.Validation("term", "unknown query term")
		},
	})
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "sync", MaxAttempts: 3}, 0)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobFailed)
	assert.Equal(t, string(errors.CodeValidation), final.ErrorCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_RetryableFailureExhaustsAttempts(t *testing.T) {
	st := newTestStore(t)
	var calls atomic.Int32
	p := newPool(st, &testTool{
		name: "sync",
		run: func(ctx context.Context, _ json.RawMessage, _ tool.ProgressFunc) (any, error) {
			calls.Add(1)
			return nil, errors.New(errors.CodeTimeout, "still timing out")
		},
	})
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "sync", MaxAttempts: 2}, 0)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobFailed)
	assert.Equal(t, string(errors.CodeTimeout), final.ErrorCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPool_CancellationObservedMidRun(t *testing.T) {
	st := newTestStore(t)
	started := make(chan struct{})
	p := newPool(st, &testTool{
		name: "sync",
		run: func(ctx context.Context, _ json.RawMessage, _ tool.ProgressFunc) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)
	<-started

	_, err = st.RequestCancel(context.Background(), job.ID)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobCancelled)
	assert.NotNil(t, final.FinishedAt)
}

func TestPool_UnknownToolFailsJob(t *testing.T) {
	st := newTestStore(t)
	p := newPool(st)
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "ghost"}, 0)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobFailed)
	assert.Equal(t, string(errors.CodeValidation), final.ErrorCode)
}

func TestPool_PanicBecomesInvariantFailure(t *testing.T) {
	st := newTestStore(t)
	p := newPool(st, &testTool{
		name: "sync",
		run: func(ctx context.Context, _ json.RawMessage, _ tool.ProgressFunc) (any, error) {
			panic("boom")
		},
	})
	stop := runPool(t, p)
	defer stop()

	job, _, err := st.EnqueueJob(context.Background(), &store.Job{Tool: "sync", MaxAttempts: 1}, 0)
	require.NoError(t, err)

	final := waitForStatus(t, st, job.ID, store.JobFailed)
	assert.Equal(t, string(errors.CodeInvariant), final.ErrorCode)
}

func TestQueue_IdempotentEnqueue(t *testing.T) {
	st := newTestStore(t)
	registry := tool.NewRegistry()
	registry.Register(&testTool{
		name: "sync",
		run: func(ctx context.Context, _ json.RawMessage, _ tool.ProgressFunc) (any, error) {
			return nil, nil
		},
	})
	q := NewQueue(st, registry, time.Hour, 3)

	first, inserted, err := q.Enqueue(context.Background(), "sync", []byte(`{}`), "q1-2024")
	require.NoError(t, err)
	assert.True(t, inserted)

	second, inserted, err := q.Enqueue(context.Background(), "sync", []byte(`{}`), "q1-2024")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = q.Enqueue(context.Background(), "ghost", []byte(`{}`), "")
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
