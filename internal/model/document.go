// Package model defines the canonical Document and Chunk records and
// enforces their identity invariants at construction time. It performs
// no I/O.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// SchemaVersion is the current document schema version.
const SchemaVersion = 1

// sourcePattern constrains source identifiers to lowercase alphanumerics.
var sourcePattern = regexp.MustCompile(`^[a-z0-9]+$`)

// Provenance keys written by the ingestion pipeline.
const (
	ProvenanceContentHash   = "content_hash"
	ProvenanceRawURI        = "raw_uri"
	ProvenanceFetchMillis   = "fetch_ms"
	ProvenanceChunksPending = "chunks_pending"
	ProvenanceChunkWarning  = "chunk_warning"
)

// Document is the canonical normalized record for a single source item,
// e.g. one PubMed abstract.
type Document struct {
	UID         string            // "{source}:{source_id}"
	Source      string            // lowercase alphanumeric, e.g. "pubmed"
	SourceID    string            // origin identifier, e.g. PMID
	Title       string            // optional
	Text        string            // required; the primary searchable body
	PublishedAt *time.Time        // optional
	FetchedAt   *time.Time        // optional
	Language    string            // optional BCP-47-like code
	Authors     []string          // ordered
	Labels      []string          // set semantics, order irrelevant
	Identifiers map[string]string // DOI, PMCID, ...
	Provenance  map[string]any    // raw-blob URI, content hash, fetch timing
	Detail      map[string]any    // source-specific extras (journal, MeSH)
	License     string            // optional
	Version     int               // bumped by the store on content change
	Schema      int               // schema_version, defaults to SchemaVersion
}

// NewDocument constructs and validates a Document. The UID is derived
// from source and source id; callers never set it directly.
func NewDocument(source, sourceID, title, text string) (*Document, error) {
	d := &Document{
		Source:   source,
		SourceID: sourceID,
		Title:    title,
		Text:     text,
		UID:      source + ":" + sourceID,
		Schema:   SchemaVersion,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate enforces the model invariants.
func (d *Document) Validate() error {
	if !sourcePattern.MatchString(d.Source) {
		return &ValidationError{Code: BadSource, Message: "source must match [a-z0-9]+", Value: d.Source}
	}
	if d.SourceID == "" {
		return &ValidationError{Code: BadUID, Message: "source_id must not be empty"}
	}
	if d.UID != d.Source+":"+d.SourceID {
		return &ValidationError{Code: BadUID, Message: "uid must equal source:source_id", Value: d.UID}
	}
	if strings.TrimSpace(d.Text) == "" {
		return &ValidationError{Code: EmptyText, Message: "text must not be empty"}
	}
	if d.Schema == 0 {
		d.Schema = SchemaVersion
	}
	return nil
}

// ContentHash returns the stable sha256 of "title text". It is the
// idempotency key for document upserts and must not change across runs.
func (d *Document) ContentHash() string {
	h := sha256.Sum256([]byte(d.Title + " " + d.Text))
	return hex.EncodeToString(h[:])
}

// SearchableText is the concatenation used by lexical matching over the
// whole document (title carries signal for reranking boosts).
func (d *Document) SearchableText() string {
	if d.Title == "" {
		return d.Text
	}
	return d.Title + " " + d.Text
}

// Year returns the publication year, or 0 if unknown.
func (d *Document) Year() int {
	if d.PublishedAt == nil {
		return 0
	}
	return d.PublishedAt.Year()
}

// QualityTotal reads the quality score the pipeline attached to Detail,
// returning 0 when absent.
func (d *Document) QualityTotal() float64 {
	if d.Detail == nil {
		return 0
	}
	switch v := d.Detail["quality_total"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return 0
	}
}

// ChunksPending reports whether vector-store writes are still owed for
// this document (set when chunk upserts failed after the DB write).
func (d *Document) ChunksPending() bool {
	if d.Provenance == nil {
		return false
	}
	pending, _ := d.Provenance[ProvenanceChunksPending].(bool)
	return pending
}

// SetProvenance writes a provenance entry, allocating the map on first use.
func (d *Document) SetProvenance(key string, value any) {
	if d.Provenance == nil {
		d.Provenance = make(map[string]any)
	}
	d.Provenance[key] = value
}

// SetDetail writes a detail entry, allocating the map on first use.
func (d *Document) SetDetail(key string, value any) {
	if d.Detail == nil {
		d.Detail = make(map[string]any)
	}
	d.Detail[key] = value
}
