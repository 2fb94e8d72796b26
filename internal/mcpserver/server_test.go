package mcpserver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/jobs"
	"github.com/medlit/medlit/internal/pipeline"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/retrieval"
	"github.com/medlit/medlit/internal/store/sqlite"
	"github.com/medlit/medlit/internal/syncer"
	"github.com/medlit/medlit/internal/tool"
	"github.com/medlit/medlit/internal/vector/local"
)

func newTestServer(t *testing.T) (*Server, *pipeline.Pipeline) {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	index, err := local.New(local.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	pipe := pipeline.New(pipeline.Options{
		Normalizers: []pubmed.Normalizer{pubmed.NewNormalizer()},
		Documents:   st,
		Index:       index,
	})
	svc := retrieval.NewService(retrieval.Options{Index: index, Documents: st})
	sync := syncer.New(syncer.Options{
		Fetchers:   map[string]pubmed.Fetcher{},
		Pipeline:   pipe,
		Watermarks: st,
	})

	registry := tool.NewRegistry()
	tool.RegisterAll(registry, svc, sync, st)

	s, err := New(Options{
		Retrieval: svc,
		Syncer:    sync,
		Queue:     jobs.NewQueue(st, registry, 0, 0),
		Jobs:      st,
	})
	require.NoError(t, err)
	return s, pipe
}

func TestHandleSearchAndGet(t *testing.T) {
	s, pipe := newTestServer(t)
	ctx := context.Background()

	_, err := pipe.IngestRecord(ctx, pubmed.SourceName, &pubmed.RawRecord{
		Fields: map[string]any{
			"source_id": "11",
			"title":     "Statin therapy and LDL cholesterol",
			"text":      "Statin therapy lowered LDL cholesterol substantially across all treatment arms.",
		},
	})
	require.NoError(t, err)

	_, resp, err := s.handleSearch(ctx, nil, retrieval.SearchRequest{Query: "statin cholesterol"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Documents)
	assert.Equal(t, "pubmed:11", resp.Documents[0].UID)

	_, view, err := s.handleGet(ctx, nil, GetInput{UID: "pubmed:11", IncludeChunks: true})
	require.NoError(t, err)
	assert.Equal(t, "Statin therapy and LDL cholesterol", view.Title)
	assert.NotEmpty(t, view.Chunks)

	_, _, err = s.handleGet(ctx, nil, GetInput{})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestHandleSyncEnqueuesJob(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, ref, err := s.handleSync(ctx, nil, SyncInput{Source: "pubmed", Term: "diabetes"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.JobID)
	assert.Equal(t, "queued", ref.Status)

	_, status, err := s.handleJobStatus(ctx, nil, JobStatusInput{JobID: ref.JobID})
	require.NoError(t, err)
	assert.Equal(t, "sync", status.Tool)
	assert.Equal(t, "queued", status.Status)

	_, _, err = s.handleJobStatus(ctx, nil, JobStatusInput{JobID: "missing"})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestHandleSync_InvalidParamsRejected(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.handleSync(context.Background(), nil, SyncInput{Source: "", Term: "q"})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
