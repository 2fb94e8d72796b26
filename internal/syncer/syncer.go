// Package syncer drives incremental source synchronization: read the
// watermark for a query term, fetch the overlapping entry-date window,
// run every record through the ingestion pipeline, and advance the
// watermark monotonically. The overlap window plus pipeline idempotency
// give effective exactly-once semantics.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/pipeline"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/store"
)

// DefaultOverlap re-fetches a trailing window so clock skew and late
// revisions cannot drop records.
const DefaultOverlap = 24 * time.Hour

// MaxOverlap bounds operator configuration.
const MaxOverlap = 30 * 24 * time.Hour

// Result summarizes one sync run.
type Result struct {
	Source    string    `json:"source"`
	Term      string    `json:"term"`
	Records   int       `json:"records"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Repaired  int       `json:"repaired"`
	Rejected  int       `json:"rejected"`
	Pending   int       `json:"pending"`
	Watermark time.Time `json:"watermark"`
}

// Options configures the syncer.
type Options struct {
	// Fetchers maps source names to their record fetchers.
	Fetchers map[string]pubmed.Fetcher
	Pipeline *pipeline.Pipeline
	// Watermarks persists per-(source, term) sync positions.
	Watermarks store.WatermarkStore
	// Breaker guards the upstream fetch; nil disables breaking.
	Breaker *errors.CircuitBreaker
	// IndexBreaker guards the vector store. While it is open, ingestion
	// pauses before each record instead of burning the window on writes
	// that would only fail; work resumes once the breaker half-opens.
	IndexBreaker *errors.CircuitBreaker
	// Overlap is the trailing re-fetch window, clamped to [0, MaxOverlap].
	Overlap time.Duration
	Logger  *slog.Logger
}

// Syncer runs incremental syncs.
type Syncer struct {
	fetchers     map[string]pubmed.Fetcher
	pipeline     *pipeline.Pipeline
	watermarks   store.WatermarkStore
	breaker      *errors.CircuitBreaker
	indexBreaker *errors.CircuitBreaker
	overlap      time.Duration
	logger       *slog.Logger
	now          func() time.Time
	// pausePoll is the index-breaker re-check interval, swappable for
	// tests.
	pausePoll time.Duration
}

// New creates a syncer.
func New(opts Options) *Syncer {
	if opts.Overlap < 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Overlap > MaxOverlap {
		opts.Overlap = MaxOverlap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Syncer{
		fetchers:     opts.Fetchers,
		pipeline:     opts.Pipeline,
		watermarks:   opts.Watermarks,
		breaker:      opts.Breaker,
		indexBreaker: opts.IndexBreaker,
		overlap:      opts.Overlap,
		logger:       opts.Logger,
		now:          time.Now,
		pausePoll:    time.Second,
	}
}

// Sync fetches and ingests all records for (source, term) entered
// since the stored watermark minus the overlap window. progress may be
// nil.
func (s *Syncer) Sync(ctx context.Context, source, term string, progress func(float64, string)) (*Result, error) {
	return s.sync(ctx, source, term, s.overlap, progress)
}

// SyncWithOverlap runs one sync with a per-call overlap window, for
// operator-driven backfills. The override is clamped to [0, MaxOverlap].
func (s *Syncer) SyncWithOverlap(ctx context.Context, source, term string, overlap time.Duration, progress func(float64, string)) (*Result, error) {
	if overlap < 0 {
		overlap = 0
	}
	if overlap > MaxOverlap {
		overlap = MaxOverlap
	}
	return s.sync(ctx, source, term, overlap, progress)
}

func (s *Syncer) sync(ctx context.Context, source, term string, overlap time.Duration, progress func(float64, string)) (*Result, error) {
	fetcher, ok := s.fetchers[source]
	if !ok {
		return nil, errors.Validation("source", "no fetcher registered for source "+source)
	}
	if term == "" {
		return nil, errors.Validation("term", "sync term must not be empty")
	}
	if progress == nil {
		progress = func(float64, string) {}
	}

	last, found, err := s.watermarks.GetWatermark(ctx, source, term)
	if err != nil {
		return nil, err
	}

	var from time.Time
	if found {
		from = last.Add(-overlap)
	}
	to := s.now().UTC()

	result := &Result{Source: source, Term: term, Watermark: last}
	maxEntry := last

	fetch := func() error {
		return fetcher.FetchWindow(ctx, term, from, to, func(rec *pubmed.RawRecord) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.waitForIndex(ctx, source, term); err != nil {
				return err
			}

			ingested, err := s.pipeline.IngestRecord(ctx, source, rec)
			if err != nil {
				if errors.CodeOf(err) == errors.CodeValidation {
					// Malformed records are logged and skipped; one bad
					// record must not poison the window.
					s.logger.Warn("record rejected during sync",
						"source", source, "term", term, "error", err)
					result.Rejected++
					return nil
				}
				return err
			}

			result.Records++
			switch ingested.Status {
			case pipeline.StatusCreated:
				result.Created++
			case pipeline.StatusUpdated:
				result.Updated++
			case pipeline.StatusUnchanged:
				result.Unchanged++
			case pipeline.StatusRepaired:
				result.Repaired++
			}
			if ingested.ChunksPending {
				result.Pending++
			}
			if rec.EntryDate.After(maxEntry) {
				maxEntry = rec.EntryDate
			}

			progress(0, fmt.Sprintf("processed %d records", result.Records))
			return nil
		})
	}

	if s.breaker != nil {
		err = s.breaker.Execute(fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		if errors.Is(err, errors.ErrCircuitOpen) {
			return nil, errors.Wrap(errors.CodeBreakerOpen,
				"source fetch suspended by circuit breaker", err)
		}
		// Raw fetcher errors are upstream failures; errors that already
		// carry a code (store writes, cancellation) pass through.
		if errors.CodeOf(err) == errors.CodeUnknown {
			return nil, errors.Upstream(source, err)
		}
		return nil, err
	}

	// Advance is monotonic: an empty or stale window leaves the
	// watermark untouched.
	if maxEntry.After(last) {
		if err := s.watermarks.SetWatermark(ctx, source, term, maxEntry); err != nil {
			return nil, err
		}
		result.Watermark = maxEntry
	}

	progress(1, fmt.Sprintf("synced %d records", result.Records))
	s.logger.Info("sync completed",
		"source", source, "term", term,
		"records", result.Records, "created", result.Created,
		"updated", result.Updated, "rejected", result.Rejected,
		"watermark", result.Watermark)
	return result, nil
}

// waitForIndex blocks while the vector-store breaker is open. The
// first half-open transition releases the wait so the next ingest acts
// as the recovery attempt.
func (s *Syncer) waitForIndex(ctx context.Context, source, term string) error {
	if s.indexBreaker == nil || s.indexBreaker.State() != errors.StateOpen {
		return nil
	}
	s.logger.Warn("ingestion paused: vector store circuit breaker open",
		"source", source, "term", term)
	ticker := time.NewTicker(s.pausePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.indexBreaker.State() != errors.StateOpen {
				s.logger.Info("ingestion resumed", "source", source, "term", term)
				return nil
			}
		}
	}
}

// Checkpoint returns the stored watermark for a pair.
func (s *Syncer) Checkpoint(ctx context.Context, source, term string) (time.Time, bool, error) {
	return s.watermarks.GetWatermark(ctx, source, term)
}

// SetCheckpoint overrides a watermark, for operator resets. It may
// move the position backwards.
func (s *Syncer) SetCheckpoint(ctx context.Context, source, term string, position time.Time) error {
	if term == "" {
		return errors.Validation("term", "checkpoint term must not be empty")
	}
	return s.watermarks.ForceWatermark(ctx, source, term, position)
}

// Checkpoints lists all stored watermarks.
func (s *Syncer) Checkpoints(ctx context.Context) ([]*store.Watermark, error) {
	return s.watermarks.ListWatermarks(ctx)
}
