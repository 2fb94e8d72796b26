// Package jobs runs the async job queue: a pool of workers that claim
// queued jobs from the store, dispatch them through the tool registry,
// stream throttled progress, and retry transient failures with
// backoff.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/tool"
)

// Defaults for the worker pool.
const (
	DefaultWorkers          = 4
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultProgressInterval = 2 * time.Second
	DefaultCancelPoll       = time.Second
	DefaultJobTimeout       = 10 * time.Minute
)

// Options configures the pool.
type Options struct {
	Store    store.JobStore
	Registry *tool.Registry
	Workers  int
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
	// ProgressInterval throttles progress writes per job.
	ProgressInterval time.Duration
	// CancelPoll is how often a running job checks its cancel flag.
	CancelPoll time.Duration
	// Backoff is the retry schedule for retryable failures.
	Backoff errors.RetryConfig
	Logger  *slog.Logger
}

// Pool claims and executes jobs until its context is cancelled.
type Pool struct {
	store    store.JobStore
	registry *tool.Registry
	workers  int
	poll     time.Duration
	progress time.Duration
	cancel   time.Duration
	backoff  errors.RetryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewPool wires a worker pool.
func NewPool(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = DefaultCancelPoll
	}
	if len(opts.Backoff.Schedule) == 0 {
		opts.Backoff = errors.DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Pool{
		store:    opts.Store,
		registry: opts.Registry,
		workers:  opts.Workers,
		poll:     opts.PollInterval,
		progress: opts.ProgressInterval,
		cancel:   opts.CancelPoll,
		backoff:  opts.Backoff,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.workerLoop(gctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		job, err := p.store.ClaimJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("job claim failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}

		p.execute(ctx, logger, job)
	}
}

// execute runs one claimed job to a terminal state or a requeue.
func (p *Pool) execute(ctx context.Context, logger *slog.Logger, job *store.Job) {
	logger = logger.With("job_id", job.ID, "tool", job.Tool, "attempt", job.Attempts)
	logger.Info("job started", "state", store.JobRunning)

	t, err := p.registry.Get(job.Tool)
	if err != nil {
		p.finalize(ctx, logger, job, nil, err)
		return
	}

	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Deliver cancellation requests at the handler's next suspension
	// point by cancelling its context.
	cancelled := p.watchCancel(runCtx, cancel, job.ID)

	result, err := p.runTool(runCtx, t, job)

	// Terminal-state writes must survive a shutdown of the pool context.
	writeCtx := context.WithoutCancel(ctx)
	if wasCancelled(cancelled) {
		if markErr := p.store.MarkCancelled(writeCtx, job.ID); markErr != nil {
			logger.Warn("failed to finalize cancelled job", "error", markErr)
		}
		logger.Info("job cancelled", "state", store.JobCancelled)
		return
	}
	p.finalize(writeCtx, logger, job, result, err)
}

// runTool dispatches with a throttled progress callback and panic
// confinement.
func (p *Pool) runTool(ctx context.Context, t tool.Tool, job *store.Job) (result any, err error) {
	var mu sync.Mutex
	lastUpdate := time.Time{}
	progress := func(fraction float64, message string) {
		mu.Lock()
		defer mu.Unlock()
		now := p.now()
		if now.Sub(lastUpdate) < p.progress && fraction < 1 {
			return
		}
		lastUpdate = now
		if updateErr := p.store.UpdateJobProgress(ctx, job.ID, fraction, message); updateErr != nil {
			p.logger.Debug("progress update dropped", "job_id", job.ID, "error", updateErr)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked", "job_id", job.ID, "panic", r)
			err = errors.Invariant(fmt.Sprintf("tool %s panicked", t.Name()))
		}
	}()
	return t.Run(ctx, job.Args, progress)
}

// finalize records the job's terminal state, or requeues a retryable
// failure with the next backoff delay.
func (p *Pool) finalize(ctx context.Context, logger *slog.Logger, job *store.Job, result any, err error) {
	if err == nil {
		payload, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			err = errors.Invariant("job result is not serializable")
		} else {
			if completeErr := p.store.CompleteJob(ctx, job.ID, payload); completeErr != nil {
				logger.Warn("failed to complete job", "error", completeErr)
				return
			}
			logger.Info("job succeeded", "state", store.JobSucceeded, "progress", 1.0)
			return
		}
	}

	code := errors.CodeOf(err)
	if errors.IsRetryable(err) && job.Attempts < job.MaxAttempts {
		delay := p.backoff.Delay(job.Attempts - 1)
		runAfter := p.now().Add(delay)
		message := fmt.Sprintf("attempt %d/%d failed (%s), retrying in %s",
			job.Attempts, job.MaxAttempts, code, delay.Round(time.Second))
		if requeueErr := p.store.RequeueJob(ctx, job.ID, runAfter, message); requeueErr != nil {
			logger.Warn("failed to requeue job", "error", requeueErr)
			return
		}
		logger.Info("job requeued", "state", store.JobQueued, "code", code, "run_after", runAfter)
		return
	}

	if failErr := p.store.FailJob(ctx, job.ID, string(code), wireMessage(err)); failErr != nil {
		logger.Warn("failed to record job failure", "error", failErr)
		return
	}
	logger.Info("job failed", "state", store.JobFailed, "code", code)
}

// watchCancel polls the cancel flag and cancels the handler context
// when it is set. The returned channel is closed iff cancellation was
// observed.
func (p *Pool) watchCancel(ctx context.Context, cancel context.CancelFunc, jobID string) <-chan struct{} {
	observed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cancel)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := p.store.IsCancelRequested(ctx, jobID)
				if err != nil {
					continue
				}
				if requested {
					close(observed)
					cancel()
					return
				}
			}
		}
	}()
	return observed
}

func wasCancelled(observed <-chan struct{}) bool {
	select {
	case <-observed:
		return true
	default:
		return false
	}
}

func wireMessage(err error) string {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return appErr.WireMessage()
	}
	return err.Error()
}
