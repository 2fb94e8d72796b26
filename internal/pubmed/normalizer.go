package pubmed

import (
	"strings"
	"time"

	"github.com/medlit/medlit/internal/model"
)

// RawRecord is one decoded source record as handed to the ingestion
// pipeline: a Document-shaped mapping plus sync bookkeeping.
type RawRecord struct {
	// Fields is the decoded record: source_id, title, text,
	// published_at, detail, identifiers, authors, language.
	Fields map[string]any

	// EntryDate (EDAT) is when the record entered the source database;
	// it drives the incremental-sync watermark.
	EntryDate time.Time

	// RevisedAt is the source's last-revision timestamp, if known.
	RevisedAt *time.Time

	// RawURI points at the stored raw blob, if archived.
	RawURI string
}

// Normalizer turns raw source records into validated Documents.
type Normalizer interface {
	// Source names the source whose records this normalizer accepts.
	Source() string

	// Normalize builds a Document from a raw record. Validation
	// failures surface as model.ValidationError.
	Normalize(rec *RawRecord) (*model.Document, error)
}

// DocNormalizer normalizes decoded PubMed records.
type DocNormalizer struct{}

// NewNormalizer creates the PubMed normalizer.
func NewNormalizer() *DocNormalizer { return &DocNormalizer{} }

// Source implements Normalizer.
func (n *DocNormalizer) Source() string { return SourceName }

// Normalize implements Normalizer. The abstract text is required; all
// other fields are optional and land in the typed detail record.
func (n *DocNormalizer) Normalize(rec *RawRecord) (*model.Document, error) {
	sourceID, _ := rec.Fields["source_id"].(string)
	title, _ := rec.Fields["title"].(string)
	text, _ := rec.Fields["text"].(string)

	doc, err := model.NewDocument(SourceName, strings.TrimSpace(sourceID), strings.TrimSpace(title), text)
	if err != nil {
		return nil, err
	}

	if published := parseTime(rec.Fields["published_at"]); published != nil {
		doc.PublishedAt = published
	}
	if lang, ok := rec.Fields["language"].(string); ok {
		doc.Language = lang
	}
	doc.Authors = stringSlice(rec.Fields["authors"])
	doc.Labels = stringSlice(rec.Fields["labels"])

	if ids, ok := rec.Fields["identifiers"].(map[string]any); ok {
		doc.Identifiers = make(map[string]string, len(ids))
		for k, v := range ids {
			if s, ok := v.(string); ok {
				doc.Identifiers[k] = s
			}
		}
	}

	if detail, ok := rec.Fields["detail"].(map[string]any); ok {
		for k, v := range detail {
			doc.SetDetail(k, v)
		}
	}

	if rec.RawURI != "" {
		doc.SetProvenance(model.ProvenanceRawURI, rec.RawURI)
	}
	now := time.Now().UTC()
	doc.FetchedAt = &now

	return doc, nil
}

// parseTime accepts time.Time values or RFC3339 / date-only strings.
func parseTime(v any) *time.Time {
	switch vv := v.(type) {
	case time.Time:
		t := vv.UTC()
		return &t
	case *time.Time:
		return vv
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, vv); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}
