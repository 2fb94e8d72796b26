package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// NSChunk is the UUIDv5 namespace for chunk identities. It was chosen
// once at first production write and must never change afterwards:
// every stored chunk UUID is a pure function of this namespace.
var NSChunk = uuid.MustParse("8f1d6e52-4c2b-5e9a-9f03-b7a4d1c0e6f2")

// Section is the coarse structural label attached to a chunk.
type Section string

const (
	SectionBackground   Section = "Background"
	SectionMethods      Section = "Methods"
	SectionResults      Section = "Results"
	SectionConclusions  Section = "Conclusions"
	SectionOther        Section = "Other"
	SectionUnstructured Section = "Unstructured"
)

// Valid reports whether s is one of the canonical sections.
func (s Section) Valid() bool {
	switch s {
	case SectionBackground, SectionMethods, SectionResults,
		SectionConclusions, SectionOther, SectionUnstructured:
		return true
	}
	return false
}

// Priority orders sections for abstract reconstruction: Background
// first, Unstructured last.
func (s Section) Priority() int {
	switch s {
	case SectionBackground:
		return 0
	case SectionMethods:
		return 1
	case SectionResults:
		return 2
	case SectionConclusions:
		return 3
	case SectionOther:
		return 4
	default:
		return 5
	}
}

// chunkIDPattern constrains local chunk ids: s<i> for section-derived,
// w<i> for windowed.
var chunkIDPattern = regexp.MustCompile(`^[sw]\d+$`)

// Token bounds enforced on every produced chunk.
const (
	MinChunkTokens = 10
	MaxChunkTokens = 450
)

// MetaChunkerVersion is the required key in Chunk.Meta identifying the
// chunker revision that produced the chunk.
const MetaChunkerVersion = "chunker_version"

// Chunk is the unit of embedding and retrieval: a bounded passage of a
// Document with a deterministic identity.
type Chunk struct {
	ChunkID     string     // local id, ^[sw]\d+$
	UUID        string     // UUIDv5(NSChunk, parent_uid + ":" + chunk_id)
	ParentUID   string     // owning document UID
	Source      string     // inherited, equals parent source
	ChunkIdx    int        // 0-based dense ordinal within the parent
	Text        string     // exact text to embed; never starts with the title
	Title       string     // inherited context
	Section     Section    // canonical section label
	PublishedAt *time.Time // inherited context
	Tokens      int        // approximate token count, MinChunkTokens..MaxChunkTokens
	NSentences  int
	Meta        map[string]any // must include chunker_version
}

// ChunkUUID computes the deterministic chunk UUID. It is a pure function
// of (parentUID, chunkID): byte-identical across runs and platforms.
func ChunkUUID(parentUID, chunkID string) string {
	return uuid.NewSHA1(NSChunk, []byte(parentUID+":"+chunkID)).String()
}

// Validate enforces the chunk invariants against its parent document.
func (c *Chunk) Validate(parent *Document) error {
	if !chunkIDPattern.MatchString(c.ChunkID) {
		return &ValidationError{Code: BadUID, Message: "chunk_id must match ^[sw]\\d+$", Value: c.ChunkID}
	}
	if parent != nil {
		if c.ParentUID != parent.UID {
			return &ValidationError{Code: BadUID, Message: "parent_uid mismatch", Value: c.ParentUID}
		}
		if c.Source != parent.Source {
			return &ValidationError{Code: BadSource, Message: "chunk source must equal parent source", Value: c.Source}
		}
	}
	if c.UUID != ChunkUUID(c.ParentUID, c.ChunkID) {
		return &ValidationError{Code: BadUUID, Message: "uuid is not UUIDv5(NS_CHUNK, parent_uid:chunk_id)", Value: c.UUID}
	}
	if c.Text == "" {
		return &ValidationError{Code: EmptyText, Message: "chunk text must not be empty"}
	}
	if !c.Section.Valid() {
		return &ValidationError{Code: BadSection, Message: "unknown section", Value: string(c.Section)}
	}
	if c.Meta == nil || c.Meta[MetaChunkerVersion] == nil {
		return &ValidationError{Code: BadMeta, Message: "meta must carry chunker_version"}
	}
	return nil
}

// Year returns the inherited publication year, or 0 if unknown.
func (c *Chunk) Year() int {
	if c.PublishedAt == nil {
		return 0
	}
	return c.PublishedAt.Year()
}
