package pubmed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/model"
)

func TestNormalize_StructuredRecord(t *testing.T) {
	rec := &RawRecord{
		Fields: map[string]any{
			"source_id":    "38765432",
			"title":        "Metformin and cardiovascular outcomes",
			"text":         "Background: Metformin is first-line therapy. Methods: We randomized 400 adults. Results: HbA1c fell by 1.2%. Conclusions: Metformin improved outcomes.",
			"published_at": "2024-02-10",
			"language":     "eng",
			"authors":      []any{"Chen L", "Okafor A"},
			"identifiers":  map[string]any{"doi": "10.1000/xyz123"},
			"detail": map[string]any{
				"journal":           "Diabetes Care",
				"publication_types": []any{"Journal Article"},
				"mesh_terms":        []any{"Clinical Trial", "Humans", "Metformin"},
			},
		},
		EntryDate: time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC),
		RawURI:    "s3://raw/pubmed/38765432.xml",
	}

	doc, err := NewNormalizer().Normalize(rec)
	require.NoError(t, err)

	assert.Equal(t, "pubmed:38765432", doc.UID)
	assert.Equal(t, SourceName, doc.Source)
	assert.Equal(t, "Metformin and cardiovascular outcomes", doc.Title)
	require.NotNil(t, doc.PublishedAt)
	assert.Equal(t, 2024, doc.PublishedAt.Year())
	assert.Equal(t, "eng", doc.Language)
	assert.Equal(t, []string{"Chen L", "Okafor A"}, doc.Authors)
	assert.Equal(t, "10.1000/xyz123", doc.Identifiers["doi"])
	assert.Equal(t, "s3://raw/pubmed/38765432.xml", doc.Provenance[model.ProvenanceRawURI])
	require.NotNil(t, doc.FetchedAt)

	detail := DetailFrom(doc)
	assert.Equal(t, "Diabetes Care", detail.Journal)
	assert.Contains(t, detail.MeshTerms, "Clinical Trial")
	assert.Contains(t, detail.PublicationTypes, "Journal Article")
}

func TestNormalize_MissingSourceID(t *testing.T) {
	rec := &RawRecord{Fields: map[string]any{"text": "Some abstract."}}

	_, err := NewNormalizer().Normalize(rec)
	require.Error(t, err)

	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNormalize_EmptyText(t *testing.T) {
	rec := &RawRecord{Fields: map[string]any{
		"source_id": "123",
		"title":     "Title only",
		"text":      "   ",
	}}

	_, err := NewNormalizer().Normalize(rec)
	require.Error(t, err)
}

func TestNormalize_RFC3339PublishedAt(t *testing.T) {
	rec := &RawRecord{Fields: map[string]any{
		"source_id":    "9",
		"text":         "Body.",
		"published_at": "2023-11-05T08:30:00Z",
	}}

	doc, err := NewNormalizer().Normalize(rec)
	require.NoError(t, err)
	require.NotNil(t, doc.PublishedAt)
	assert.Equal(t, time.Date(2023, 11, 5, 8, 30, 0, 0, time.UTC), *doc.PublishedAt)
}

func TestNormalize_UnparsablePublishedAtIgnored(t *testing.T) {
	rec := &RawRecord{Fields: map[string]any{
		"source_id":    "10",
		"text":         "Body.",
		"published_at": "Winter 2023",
	}}

	doc, err := NewNormalizer().Normalize(rec)
	require.NoError(t, err)
	assert.Nil(t, doc.PublishedAt)
}

func TestDetail_ApplyRoundTrip(t *testing.T) {
	doc, err := model.NewDocument(SourceName, "77", "T", "Body.")
	require.NoError(t, err)

	in := Detail{
		Journal:          "The Lancet",
		PublicationTypes: []string{"Meta-Analysis"},
		MeshTerms:        []string{"Humans"},
		Language:         "eng",
	}
	in.Apply(doc)

	out := DetailFrom(doc)
	assert.Equal(t, in.Journal, out.Journal)
	assert.Equal(t, in.PublicationTypes, out.PublicationTypes)
	assert.Equal(t, in.MeshTerms, out.MeshTerms)
	assert.Equal(t, in.Language, out.Language)
}
