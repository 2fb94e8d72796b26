package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/model"
	"github.com/medlit/medlit/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "medlit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDocument(t *testing.T, sourceID string) *model.Document {
	t.Helper()
	doc, err := model.NewDocument("pubmed", sourceID, "Test title", "Abstract body text.")
	require.NoError(t, err)
	published := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	doc.PublishedAt = &published
	doc.Authors = []string{"Chen L"}
	doc.Identifiers = map[string]string{"doi": "10.1000/x"}
	doc.SetDetail("journal", "Diabetes Care")
	doc.SetProvenance(model.ProvenanceContentHash, doc.ContentHash())
	return doc
}

func TestDocuments_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument(t, "101")
	require.NoError(t, s.PutDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "pubmed:101")
	require.NoError(t, err)
	assert.Equal(t, doc.UID, got.UID)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.Text, got.Text)
	assert.Equal(t, []string{"Chen L"}, got.Authors)
	assert.Equal(t, "10.1000/x", got.Identifiers["doi"])
	assert.Equal(t, "Diabetes Care", got.Detail["journal"])
	require.NotNil(t, got.PublishedAt)
	assert.True(t, doc.PublishedAt.Equal(*got.PublishedAt))
	assert.Equal(t, 1, got.Version)
}

func TestDocuments_VersionBumpsOnContentChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDocument(t, "102")
	require.NoError(t, s.PutDocument(ctx, doc))

	// Unchanged content keeps version 1.
	same := testDocument(t, "102")
	require.NoError(t, s.PutDocument(ctx, same))
	got, err := s.GetDocument(ctx, "pubmed:102")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	// Revised text bumps the version.
	revised := testDocument(t, "102")
	revised.Text = "Corrected abstract body text."
	require.NoError(t, s.PutDocument(ctx, revised))
	got, err = s.GetDocument(ctx, "pubmed:102")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestDocuments_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDocument(context.Background(), "pubmed:999")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestDocuments_GetManySkipsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDocument(ctx, testDocument(t, "1")))
	require.NoError(t, s.PutDocument(ctx, testDocument(t, "2")))

	docs, err := s.GetDocuments(ctx, []string{"pubmed:1", "pubmed:404", "pubmed:2"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	count, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDocuments_ListChunksPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clean := testDocument(t, "1")
	require.NoError(t, s.PutDocument(ctx, clean))

	for _, id := range []string{"2", "3", "4"} {
		doc := testDocument(t, id)
		doc.SetProvenance(model.ProvenanceChunksPending, true)
		require.NoError(t, s.PutDocument(ctx, doc))
	}

	pending, err := s.ListChunksPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pubmed:2", "pubmed:3", "pubmed:4"}, pending)
	assert.NotContains(t, pending, clean.UID)

	limited, err := s.ListChunksPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Clearing the flag removes the document from the backlog.
	repaired := testDocument(t, "3")
	require.NoError(t, s.PutDocument(ctx, repaired))
	pending, err = s.ListChunksPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pubmed:2", "pubmed:4"}, pending)
}

func TestWatermarks_MonotonicAdvance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetWatermark(ctx, "pubmed", "diabetes")
	require.NoError(t, err)
	assert.False(t, found)

	t1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetWatermark(ctx, "pubmed", "diabetes", t1))

	got, found, err := s.GetWatermark(ctx, "pubmed", "diabetes")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, t1.Equal(got))

	// Regression is rejected.
	err = s.SetWatermark(ctx, "pubmed", "diabetes", t1.Add(-time.Hour))
	require.Error(t, err)
	assert.Equal(t, errors.CodeConflict, errors.CodeOf(err))

	// Operator reset can force it back.
	require.NoError(t, s.ForceWatermark(ctx, "pubmed", "diabetes", t1.Add(-time.Hour)))
	got, _, err = s.GetWatermark(ctx, "pubmed", "diabetes")
	require.NoError(t, err)
	assert.True(t, t1.Add(-time.Hour).Equal(got))
}

func TestWatermarks_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SetWatermark(ctx, "pubmed", "diabetes", now))
	require.NoError(t, s.SetWatermark(ctx, "pubmed", "oncology", now))

	list, err := s.ListWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "diabetes", list[0].Term)
	assert.Equal(t, "oncology", list[1].Term)
}

func TestJobs_EnqueueClaimComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, inserted, err := s.EnqueueJob(ctx, &store.Job{
		Tool: "sync",
		Args: []byte(`{"term":"diabetes"}`),
	}, 0)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, store.JobQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	claimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, store.JobRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)

	// Nothing else to claim.
	none, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, 0.5, "halfway"))
	require.NoError(t, s.CompleteJob(ctx, job.ID, []byte(`{"synced":10}`)))

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.JSONEq(t, `{"synced":10}`, string(final.Result))
	require.NotNil(t, final.FinishedAt)
}

func TestJobs_IdempotencyWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, inserted, err := s.EnqueueJob(ctx, &store.Job{
		Tool:           "sync",
		IdempotencyKey: "sync-2024-03",
	}, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, inserted)

	second, inserted, err := s.EnqueueJob(ctx, &store.Job{
		Tool:           "sync",
		IdempotencyKey: "sync-2024-03",
	}, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	// A different tool with the same key is a distinct job.
	third, inserted, err := s.EnqueueJob(ctx, &store.Job{
		Tool:           "reindex",
		IdempotencyKey: "sync-2024-03",
	}, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestJobs_RequeueAndRunAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)

	claimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Requeue with a future run_after keeps it unclaimable.
	require.NoError(t, s.RequeueJob(ctx, job.ID, time.Now().Add(time.Hour), "upstream timeout, retrying"))

	none, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestJobs_CancelQueuedImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)

	cancelled, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, cancelled.Status)

	// Cancelling a terminal job conflicts.
	_, err = s.RequestCancel(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConflict, errors.CodeOf(err))
}

func TestJobs_CancelRunningSetsFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx)
	require.NoError(t, err)

	flagged, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, flagged.Status)
	assert.True(t, flagged.CancelRequested)

	requested, err := s.IsCancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestJobs_MarkCancelledFinalizesRunningJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx)
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkCancelled(ctx, job.ID))

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, final.Status)
	assert.NotNil(t, final.FinishedAt)

	// Already terminal: a second finalization finds no running row.
	err = s.MarkCancelled(ctx, job.ID)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestJobs_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)
	job2, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "reindex"}, 0)
	require.NoError(t, err)

	all, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byTool, err := s.ListJobs(ctx, store.JobFilter{Tool: "reindex"})
	require.NoError(t, err)
	require.Len(t, byTool, 1)
	assert.Equal(t, job2.ID, byTool[0].ID)

	queued, err := s.ListJobs(ctx, store.JobFilter{Status: store.JobQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestJobs_ProgressOnNonRunningJobFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.EnqueueJob(ctx, &store.Job{Tool: "sync"}, 0)
	require.NoError(t, err)

	err = s.UpdateJobProgress(ctx, job.ID, 0.5, "nope")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}
