package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/vector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chunkRecord(uuid, parent, chunkID, section, text string) *vector.ChunkRecord {
	return &vector.ChunkRecord{
		UUID:      uuid,
		ParentUID: parent,
		ChunkID:   chunkID,
		Section:   section,
		Text:      text,
		Source:    "pubmed",
	}
}

func seedCorpus(t *testing.T, s *Store) {
	t.Helper()
	records := []*vector.ChunkRecord{
		chunkRecord("u1", "pubmed:1", "s0", "Background",
			"Metformin is first-line therapy for type 2 diabetes mellitus."),
		chunkRecord("u2", "pubmed:1", "s1", "Results",
			"Metformin reduced HbA1c by 1.2 percentage points versus placebo."),
		chunkRecord("u3", "pubmed:2", "s0", "Background",
			"Statin therapy lowers LDL cholesterol in patients with hyperlipidemia."),
		chunkRecord("u4", "pubmed:3", "w0", "Unstructured",
			"Influenza vaccination coverage varied across age groups."),
	}
	require.NoError(t, s.UpsertChunks(context.Background(), records))
}

func TestHybridSearch_FindsRelevantChunks(t *testing.T) {
	s := newTestStore(t)
	seedCorpus(t, s)

	hits, err := s.HybridSearch(context.Background(), vector.HybridQuery{
		Text:  "metformin HbA1c diabetes",
		Limit: 2,
		Alpha: 0.5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// Both top hits should come from the metformin document.
	for _, h := range hits {
		assert.Equal(t, "pubmed:1", h.ParentUID)
	}
	// Scores are fused and descending.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestHybridSearch_SectionFilter(t *testing.T) {
	s := newTestStore(t)
	seedCorpus(t, s)

	hits, err := s.HybridSearch(context.Background(), vector.HybridQuery{
		Text:    "metformin diabetes",
		Limit:   5,
		Alpha:   0.5,
		Filters: vector.Filters{Sections: []string{"Results"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "Results", h.Section)
	}
}

func TestHybridSearch_DateFilter(t *testing.T) {
	s := newTestStore(t)

	old := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	oldRec := chunkRecord("u1", "pubmed:1", "s0", "Results", "aspirin prevents cardiovascular events")
	oldRec.PublishedAt = &old
	newRec := chunkRecord("u2", "pubmed:2", "s0", "Results", "aspirin prevents cardiovascular events today")
	newRec.PublishedAt = &recent

	require.NoError(t, s.UpsertChunks(context.Background(), []*vector.ChunkRecord{oldRec, newRec}))

	cutoff := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	hits, err := s.HybridSearch(context.Background(), vector.HybridQuery{
		Text:    "aspirin cardiovascular",
		Limit:   5,
		Alpha:   0.5,
		Filters: vector.Filters{From: &cutoff},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "u2", hits[0].UUID)
}

func TestHybridSearch_InvalidLimit(t *testing.T) {
	s := newTestStore(t)

	_, err := s.HybridSearch(context.Background(), vector.HybridQuery{Text: "x", Limit: 0})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestUpsertChunks_ReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChunks(ctx, []*vector.ChunkRecord{
		chunkRecord("u1", "pubmed:1", "s0", "Background", "original text about insulin"),
	}))
	require.NoError(t, s.UpsertChunks(ctx, []*vector.ChunkRecord{
		chunkRecord("u1", "pubmed:1", "s0", "Background", "revised text about insulin resistance"),
	}))

	assert.Equal(t, 1, s.Count())
	uuids, err := s.ListByParent(ctx, "pubmed:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, uuids)
}

func TestDeleteChunks_RemovesFromParentListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCorpus(t, s)

	require.NoError(t, s.DeleteChunks(ctx, []string{"u1", "missing"}))

	uuids, err := s.ListByParent(ctx, "pubmed:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, uuids)

	hits, err := s.HybridSearch(ctx, vector.HybridQuery{
		Text: "first-line therapy type 2 diabetes", Limit: 5, Alpha: 1.0,
	})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "u1", h.UUID)
	}
}

func TestListByParent_UnknownParentIsEmpty(t *testing.T) {
	s := newTestStore(t)

	uuids, err := s.ListByParent(context.Background(), "pubmed:999")
	require.NoError(t, err)
	assert.Empty(t, uuids)
}

func TestUpsertChunks_RequiresIdentity(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertChunks(context.Background(), []*vector.ChunkRecord{
		{Text: "no identity"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	seedCorpus(t, s)
	require.NoError(t, s.Close())

	reopened, err := New(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 4, reopened.Count())
	hits, err := reopened.HybridSearch(context.Background(), vector.HybridQuery{
		Text: "metformin HbA1c", Limit: 2, Alpha: 0.5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "pubmed:1", hits[0].ParentUID)
}

func TestStore_DirectoryLockRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	_, err = New(Options{Dir: dir})
	require.Error(t, err)
	assert.Equal(t, errors.CodeConflict, errors.CodeOf(err))
}

func TestStore_ClosedRejectsOperations(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Error(t, s.Ready(context.Background()))
	err = s.UpsertChunks(context.Background(), []*vector.ChunkRecord{
		chunkRecord("u1", "pubmed:1", "s0", "Other", "text"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.CodeOf(err))
}

func TestFuse_AlphaBlendsBranches(t *testing.T) {
	lex := []lexicalHit{{id: "a", score: 2.0}, {id: "b", score: 1.0}}
	ann := []annHit{{id: "b", score: 0.9}, {id: "c", score: 0.5}}

	fused := fuse(lex, ann, 0.5)
	require.Len(t, fused, 3)

	scores := map[string]float64{}
	for _, f := range fused {
		scores[f.id] = f.score
	}
	// a: lexical 1.0, vector 0 -> 0.5
	assert.InDelta(t, 0.5, scores["a"], 1e-9)
	// b: lexical 0.0, vector 1.0 -> 0.5
	assert.InDelta(t, 0.5, scores["b"], 1e-9)
	// c: lexical 0, vector 0.0 -> 0
	assert.InDelta(t, 0.0, scores["c"], 1e-9)
}

func TestFuse_PureLexical(t *testing.T) {
	lex := []lexicalHit{{id: "a", score: 3.0}, {id: "b", score: 1.0}}
	ann := []annHit{{id: "b", score: 0.99}}

	// Alpha weights the vector branch, so zero means lexical only.
	fused := fuse(lex, ann, 0)
	assert.Equal(t, "a", fused[0].id)
}
