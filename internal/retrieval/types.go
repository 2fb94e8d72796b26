// Package retrieval answers search queries: chunk-level hybrid search
// followed by document reconstruction, multi-factor reranking, and
// diversity filtering.
package retrieval

import (
	"time"
)

// Search modes. Hybrid blends both branches; vector and lexical pin
// alpha to one end.
const (
	ModeHybrid  = "hybrid"
	ModeVector  = "vector"
	ModeLexical = "lexical"
)

// Return shapes.
const (
	ReturnDocuments = "documents"
	ReturnChunks    = "chunks"
)

// Query length and limit bounds.
const (
	MaxQueryLen = 1024
	MinLimit    = 1
	MaxLimit    = 50
)

// SearchFilters restrict a search. Zero values mean unrestricted.
type SearchFilters struct {
	// Source restricts to one source system, e.g. "pubmed".
	Source string `json:"source,omitempty"`
	// YearRange is [lo, hi] inclusive publication years.
	YearRange []int `json:"year_range,omitempty"`
	// Sections restricts matches to the named sections.
	Sections []string `json:"sections,omitempty"`
}

// SearchRequest is one search call.
type SearchRequest struct {
	Query            string        `json:"query"`
	Limit            int           `json:"limit,omitempty"`
	Mode             string        `json:"mode,omitempty"`
	Alpha            *float64      `json:"alpha,omitempty"`
	Filters          SearchFilters `json:"filters,omitempty"`
	QualityThreshold float64       `json:"quality_threshold,omitempty"`
	BoostRecent      *bool         `json:"boost_recent,omitempty"`
	BoostClinical    *bool         `json:"boost_clinical,omitempty"`
	Return           string        `json:"return,omitempty"`

	// excludeUID drops one document from results; used by similar.
	excludeUID string
}

// DocumentResult is one reranked search result.
type DocumentResult struct {
	UID           string     `json:"uid"`
	Title         string     `json:"title"`
	Abstract      string     `json:"abstract"`
	Source        string     `json:"source"`
	Journal       string     `json:"journal,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	Score         float64    `json:"score"`
	Quality       float64    `json:"quality"`
	EvidenceLevel int        `json:"evidence_level,omitempty"`
	ChunkCount    int        `json:"chunk_count"`
	Sections      []string   `json:"sections"`
}

// ChunkResult is one chunk returned in chunk mode.
type ChunkResult struct {
	UUID      string  `json:"uuid"`
	ParentUID string  `json:"parent_uid"`
	ChunkID   string  `json:"chunk_id"`
	Section   string  `json:"section"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

// SearchResponse carries documents or chunks depending on the request.
type SearchResponse struct {
	Documents []*DocumentResult `json:"documents,omitempty"`
	Chunks    []*ChunkResult    `json:"chunks,omitempty"`
	Total     int               `json:"total"`
	Cached    bool              `json:"cached"`
}

// DocumentView is the get-by-uid response shape.
type DocumentView struct {
	UID         string         `json:"uid"`
	Source      string         `json:"source"`
	SourceID    string         `json:"source_id"`
	Title       string         `json:"title"`
	Text        string         `json:"text"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Quality     float64        `json:"quality"`
	Version     int            `json:"version"`
	Detail      map[string]any `json:"detail,omitempty"`
	Chunks      []*ChunkResult `json:"chunks,omitempty"`
}
