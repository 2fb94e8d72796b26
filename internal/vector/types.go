// Package vector defines the hybrid search index contract. The index
// owns vectorization: callers hand it chunk text and receive scored
// chunk references back, never raw vectors.
package vector

import (
	"context"
	"time"
)

// ChunkRecord is the unit of indexing: one chunk of a document with
// the metadata needed for filtering.
type ChunkRecord struct {
	// UUID is the deterministic chunk identity.
	UUID string
	// ParentUID is the owning document ("pubmed:12345").
	ParentUID string
	// ChunkID is the chunk's position label within the parent.
	ChunkID string
	// Section is the rhetorical section name.
	Section string
	// Text is the chunk body to index.
	Text string
	// Source is the parent's source system.
	Source string
	// Journal is carried for diversity filtering at the retrieval layer.
	Journal string
	// PublishedAt enables date-range filters.
	PublishedAt *time.Time
}

// Filters restrict hybrid search results. All fields are conjunctive;
// zero values mean no restriction.
type Filters struct {
	Sources  []string
	Sections []string
	From     *time.Time
	To       *time.Time
}

// HybridQuery is one search request against the index.
type HybridQuery struct {
	// Text is the query text; the index embeds it itself.
	Text string
	// Limit caps returned hits.
	Limit int
	// Alpha blends lexical and vector scores; negative uses the index
	// default.
	Alpha float64
	// Filters are applied as hard constraints.
	Filters Filters
}

// Hit is one scored chunk reference.
type Hit struct {
	UUID      string
	ParentUID string
	ChunkID   string
	Section   string
	Journal   string
	// Text is the indexed chunk body, carried so callers can
	// reconstruct documents without a second round trip.
	Text string
	// Score is the fused relevance in [0,1].
	Score float64
	// Lexical and Vector are the per-branch normalized scores.
	Lexical float64
	Vector  float64
}

// Store is the hybrid index. Implementations must be safe for
// concurrent use.
type Store interface {
	// UpsertChunks indexes or replaces chunks. Existing chunks with the
	// same UUID are overwritten.
	UpsertChunks(ctx context.Context, records []*ChunkRecord) error

	// DeleteChunks removes chunks by UUID. Unknown UUIDs are ignored.
	DeleteChunks(ctx context.Context, uuids []string) error

	// ListByParent returns all indexed chunk UUIDs for a parent document.
	ListByParent(ctx context.Context, parentUID string) ([]string, error)

	// HybridSearch runs lexical and vector retrieval and fuses them.
	HybridSearch(ctx context.Context, q HybridQuery) ([]*Hit, error)

	// Ready reports whether the index can serve queries.
	Ready(ctx context.Context) error

	// Close persists state and releases resources.
	Close() error
}
