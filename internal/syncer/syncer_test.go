package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/pipeline"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/store/sqlite"
	"github.com/medlit/medlit/internal/vector/local"
)

func record(sourceID, title, text string, entry time.Time) *pubmed.RawRecord {
	return &pubmed.RawRecord{
		Fields: map[string]any{
			"source_id": sourceID,
			"title":     title,
			"text":      text,
		},
		EntryDate: entry,
	}
}

// windowFetcher returns the subset of its records inside the requested
// window and remembers the window bounds.
type windowFetcher struct {
	records  []*pubmed.RawRecord
	lastFrom time.Time
	lastTo   time.Time
	err      error
	calls    int
}

func (f *windowFetcher) FetchWindow(ctx context.Context, term string, from, to time.Time, emit func(*pubmed.RawRecord) error) error {
	f.calls++
	f.lastFrom, f.lastTo = from, to
	if f.err != nil {
		return f.err
	}
	for _, rec := range f.records {
		if rec.EntryDate.Before(from) || rec.EntryDate.After(to) {
			continue
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}

func newTestSyncer(t *testing.T, fetcher pubmed.Fetcher, overlap time.Duration) (*Syncer, *sqlite.Store) {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	index, err := local.New(local.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	p := pipeline.New(pipeline.Options{
		Normalizers: []pubmed.Normalizer{pubmed.NewNormalizer()},
		Documents:   st,
		Index:       index,
	})
	s := New(Options{
		Fetchers:   map[string]pubmed.Fetcher{pubmed.SourceName: fetcher},
		Pipeline:   p,
		Watermarks: st,
		Overlap:    overlap,
	})
	return s, st
}

func TestSync_OverlapWindowCatchesEarlierRecord(t *testing.T) {
	watermark := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &windowFetcher{records: []*pubmed.RawRecord{
		record("9", "Before the watermark",
			"This record entered the source just before the stored watermark position.",
			time.Date(2024, 1, 9, 12, 0, 0, 0, time.UTC)),
		record("14", "After the watermark",
			"This record entered the source well after the stored watermark position.",
			time.Date(2024, 1, 14, 8, 0, 0, 0, time.UTC)),
	}}
	s, st := newTestSyncer(t, fetcher, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, st.ForceWatermark(ctx, pubmed.SourceName, "diabetes_v1", watermark))

	result, err := s.Sync(ctx, pubmed.SourceName, "diabetes_v1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Records)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, time.Date(2024, 1, 14, 8, 0, 0, 0, time.UTC), result.Watermark)

	// The fetch window started one overlap before the watermark.
	assert.Equal(t, watermark.Add(-24*time.Hour), fetcher.lastFrom)

	stored, found, err := st.GetWatermark(ctx, pubmed.SourceName, "diabetes_v1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, result.Watermark, stored)
}

func TestSync_FirstRunFetchesFromEpoch(t *testing.T) {
	fetcher := &windowFetcher{records: []*pubmed.RawRecord{
		record("1", "Ancient record",
			"A record entered long ago should still arrive on the very first synchronization.",
			time.Date(2005, 3, 1, 0, 0, 0, 0, time.UTC)),
	}}
	s, _ := newTestSyncer(t, fetcher, 24*time.Hour)

	result, err := s.Sync(context.Background(), pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.True(t, fetcher.lastFrom.IsZero())
	assert.Equal(t, 1, result.Created)
}

func TestSync_RerunIsIdempotent(t *testing.T) {
	fetcher := &windowFetcher{records: []*pubmed.RawRecord{
		record("1", "Stable record",
			"Synchronizing the same record twice must not produce a second version or new chunks.",
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
	}}
	s, st := newTestSyncer(t, fetcher, 24*time.Hour)
	ctx := context.Background()

	first, err := s.Sync(ctx, pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := s.Sync(ctx, pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Unchanged)
	assert.Equal(t, first.Watermark, second.Watermark)

	doc, err := st.GetDocument(ctx, "pubmed:1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
}

func TestSyncWithOverlap_OverridesConfiguredWindow(t *testing.T) {
	watermark := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &windowFetcher{}
	s, st := newTestSyncer(t, fetcher, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, st.ForceWatermark(ctx, pubmed.SourceName, "q", watermark))

	_, err := s.SyncWithOverlap(ctx, pubmed.SourceName, "q", 72*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, watermark.Add(-72*time.Hour), fetcher.lastFrom)

	// The override is per-call: the next plain sync uses the
	// configured window again.
	_, err = s.Sync(ctx, pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, watermark.Add(-24*time.Hour), fetcher.lastFrom)

	// Out-of-range overrides are clamped, not rejected.
	_, err = s.SyncWithOverlap(ctx, pubmed.SourceName, "q", 90*24*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, watermark.Add(-MaxOverlap), fetcher.lastFrom)
}

func TestSync_PausesWhileIndexBreakerOpen(t *testing.T) {
	fetcher := &windowFetcher{records: []*pubmed.RawRecord{
		record("3", "Paused record",
			"Ingestion of this record waits until the vector store breaker lets traffic through.",
			time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)),
	}}
	s, _ := newTestSyncer(t, fetcher, 24*time.Hour)
	s.pausePoll = 2 * time.Millisecond

	indexBreaker := errors.NewCircuitBreaker("vector_store",
		errors.WithFailureThreshold(1),
		errors.WithOpenTimeout(20*time.Millisecond))
	indexBreaker.RecordFailure()
	require.Equal(t, errors.StateOpen, indexBreaker.State())
	s.indexBreaker = indexBreaker

	// The open timer expires while sync waits; ingestion resumes on
	// the half-open transition and the record lands.
	result, err := s.Sync(context.Background(), pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestSync_IndexBreakerPauseHonorsCancellation(t *testing.T) {
	fetcher := &windowFetcher{records: []*pubmed.RawRecord{
		record("4", "Stuck record",
			"A record behind a breaker that never recovers must not block shutdown.",
			time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)),
	}}
	s, _ := newTestSyncer(t, fetcher, 24*time.Hour)
	s.pausePoll = 2 * time.Millisecond

	indexBreaker := errors.NewCircuitBreaker("vector_store",
		errors.WithFailureThreshold(1),
		errors.WithOpenTimeout(time.Hour))
	indexBreaker.RecordFailure()
	s.indexBreaker = indexBreaker

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Sync(ctx, pubmed.SourceName, "q", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSync_MalformedRecordSkippedNotFatal(t *testing.T) {
	fetcher := &windowFetcher{records: []*pubmed.RawRecord{
		{Fields: map[string]any{"source_id": "", "text": "No id."},
			EntryDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		record("2", "Valid record",
			"The valid record following a malformed one is still processed in the same window.",
			time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)),
	}}
	s, _ := newTestSyncer(t, fetcher, 24*time.Hour)

	result, err := s.Sync(context.Background(), pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), result.Watermark)
}

func TestSync_EmptyWindowLeavesWatermark(t *testing.T) {
	fetcher := &windowFetcher{}
	s, st := newTestSyncer(t, fetcher, 24*time.Hour)
	ctx := context.Background()

	position := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.ForceWatermark(ctx, pubmed.SourceName, "q", position))

	result, err := s.Sync(ctx, pubmed.SourceName, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Records)
	assert.Equal(t, position, result.Watermark)
}

func TestSync_UpstreamFailureTripsBreaker(t *testing.T) {
	fetcher := &windowFetcher{err: assertErr("entrez unreachable")}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	breaker := errors.NewCircuitBreaker("entrez",
		errors.WithFailureThreshold(2),
		errors.WithClock(func() time.Time { return now }))

	s, _ := newTestSyncer(t, fetcher, 24*time.Hour)
	s.breaker = breaker
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Sync(ctx, pubmed.SourceName, "q", nil)
		require.Error(t, err)
		assert.Equal(t, errors.CodeUpstream, errors.CodeOf(err))
	}

	// Breaker is now open: the fetcher is not called again.
	calls := fetcher.calls
	_, err := s.Sync(ctx, pubmed.SourceName, "q", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeBreakerOpen, errors.CodeOf(err))
	assert.Equal(t, calls, fetcher.calls)
}

func TestSync_UnknownSourceAndEmptyTerm(t *testing.T) {
	s, _ := newTestSyncer(t, &windowFetcher{}, 24*time.Hour)
	ctx := context.Background()

	_, err := s.Sync(ctx, "embase", "q", nil)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	_, err = s.Sync(ctx, pubmed.SourceName, "", nil)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestSetCheckpoint_AllowsRewind(t *testing.T) {
	s, st := newTestSyncer(t, &windowFetcher{}, 24*time.Hour)
	ctx := context.Background()

	late := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.ForceWatermark(ctx, pubmed.SourceName, "q", late))

	require.NoError(t, s.SetCheckpoint(ctx, pubmed.SourceName, "q", early))
	position, found, err := s.Checkpoint(ctx, pubmed.SourceName, "q")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, early, position)
}

// assertErr is a plain error carrying no wire code.
type assertErr string

func (e assertErr) Error() string { return string(e) }
