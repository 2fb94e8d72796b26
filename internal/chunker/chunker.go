package chunker

import (
	"context"
	"fmt"
	"strings"

	"github.com/medlit/medlit/internal/model"
)

// Defaults for window packing.
const (
	DefaultTargetTokens  = 300
	DefaultHardMaxTokens = 450
	DefaultOverlapTokens = 50
	DefaultVersion       = "v1"

	// sentenceYieldInterval is the cancellation checkpoint: the chunker
	// checks its context every this many processed sentences.
	sentenceYieldInterval = 1024
)

// Config controls window packing. Zero values take the defaults above.
type Config struct {
	TargetTokens  int    // soft target per window
	HardMaxTokens int    // never exceeded
	OverlapTokens int    // carried between consecutive windows of one section
	Version       string // written into every chunk's meta
}

func (c Config) withDefaults() Config {
	if c.TargetTokens <= 0 {
		c.TargetTokens = DefaultTargetTokens
	}
	if c.HardMaxTokens <= 0 {
		c.HardMaxTokens = DefaultHardMaxTokens
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = DefaultOverlapTokens
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	return c
}

// Chunker produces ordered chunks from a document. It is stateless and
// safe for concurrent use.
type Chunker struct {
	config Config
}

// New creates a chunker with the given config.
func New(cfg Config) *Chunker {
	return &Chunker{config: cfg.withDefaults()}
}

// Version returns the chunker revision written into chunk meta.
func (c *Chunker) Version() string { return c.config.Version }

// window is an intermediate packed unit before identity assignment.
type window struct {
	section   model.Section
	sentences []string
}

func (w *window) text() string {
	return strings.Join(w.sentences, " ")
}

// Chunk transforms the document's text into its chunk sequence.
//
// Empty text after trimming yields zero chunks and a warning, never an
// error; the only error returned is context cancellation, checked every
// sentenceYieldInterval sentences.
func (c *Chunker) Chunk(ctx context.Context, doc *model.Document) ([]*model.Chunk, []string, error) {
	var warnings []string

	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return nil, []string{"empty text after trimming, no chunks produced"}, nil
	}

	segs := splitSections(text)
	structured := !(len(segs) == 1 && segs[0].section == model.SectionUnstructured)

	var windows []window
	processed := 0
	for _, seg := range segs {
		sentences := splitSentences(seg.text)
		processed += len(sentences)
		if processed >= sentenceYieldInterval {
			processed = 0
			if err := ctx.Err(); err != nil {
				return nil, warnings, err
			}
		}
		windows = append(windows, c.packSection(seg.section, sentences)...)
	}

	prefix := "s"
	if !structured {
		prefix = "w"
	}

	chunks := make([]*model.Chunk, 0, len(windows))
	for _, w := range windows {
		chunkText := stripLeadingTitle(w.text(), doc.Title)
		if chunkText == "" {
			warnings = append(warnings, "dropped window identical to title in section "+string(w.section))
			continue
		}

		idx := len(chunks)
		chunkID := fmt.Sprintf("%s%d", prefix, idx)
		tokens := EstimateTokens(chunkText)
		if tokens < model.MinChunkTokens {
			tokens = model.MinChunkTokens
		}

		chunks = append(chunks, &model.Chunk{
			ChunkID:     chunkID,
			UUID:        model.ChunkUUID(doc.UID, chunkID),
			ParentUID:   doc.UID,
			Source:      doc.Source,
			ChunkIdx:    idx,
			Text:        chunkText,
			Title:       doc.Title,
			Section:     w.section,
			PublishedAt: doc.PublishedAt,
			Tokens:      tokens,
			NSentences:  len(w.sentences),
			Meta: map[string]any{
				model.MetaChunkerVersion: c.config.Version,
			},
		})
	}

	return chunks, warnings, nil
}

// packSection greedily packs sentences into windows targeting
// TargetTokens, never exceeding HardMaxTokens, with OverlapTokens of
// trailing context carried into each following window of the section.
func (c *Chunker) packSection(section model.Section, sentences []string) []window {
	var out []window
	var current []string
	currentTokens := 0
	// seedLen counts the leading sentences of current that are overlap
	// carried from the previous flush, already emitted once.
	seedLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, window{section: section, sentences: current})
		// Seed the next window with trailing overlap sentences.
		overlap := c.overlapTail(current)
		current = overlap
		currentTokens = EstimateTokens(strings.Join(overlap, " "))
		seedLen = len(overlap)
	}

	for _, sentence := range sentences {
		tokens := EstimateTokens(sentence)

		// A single oversized sentence is split on word boundaries.
		if tokens > c.config.HardMaxTokens {
			flush()
			for _, piece := range splitOversized(sentence, c.config.HardMaxTokens) {
				out = append(out, window{section: section, sentences: []string{piece}})
			}
			current = nil
			currentTokens = 0
			seedLen = 0
			continue
		}

		if len(current) > 0 && currentTokens+tokens > c.config.HardMaxTokens {
			flush()
		}
		current = append(current, sentence)
		currentTokens += tokens

		if currentTokens >= c.config.TargetTokens {
			flush()
		}
	}

	// The remainder is dropped when it is pure overlap (its text was
	// already emitted). A remainder too small to stand alone is folded
	// into the previous window of the section rather than padded, so
	// token counts stay honest.
	fresh := current[seedLen:]
	if len(fresh) == 0 {
		return out
	}
	if currentTokens < model.MinChunkTokens && len(out) > 0 {
		prev := &out[len(out)-1]
		merged := append(prev.sentences, fresh...)
		if EstimateTokens(strings.Join(merged, " ")) <= c.config.HardMaxTokens {
			prev.sentences = merged
			return out
		}
	}
	out = append(out, window{section: section, sentences: current})
	return out
}

// overlapTail returns the trailing sentences of w totalling at most the
// configured overlap tokens.
func (c *Chunker) overlapTail(sentences []string) []string {
	if c.config.OverlapTokens == 0 {
		return nil
	}
	total := 0
	i := len(sentences)
	for i > 0 {
		t := EstimateTokens(sentences[i-1])
		if total+t > c.config.OverlapTokens {
			break
		}
		total += t
		i--
	}
	if i == len(sentences) {
		return nil
	}
	tail := make([]string, len(sentences)-i)
	copy(tail, sentences[i:])
	return tail
}

// splitOversized splits a sentence into word-boundary pieces of at most
// hardMax estimated tokens.
func splitOversized(sentence string, hardMax int) []string {
	words := strings.Fields(sentence)
	// tokens = ceil(words/0.75), so hardMax tokens ~= hardMax*3/4 words.
	maxWords := hardMax * 3 / 4
	if maxWords < 1 {
		maxWords = 1
	}
	var pieces []string
	for start := 0; start < len(words); start += maxWords {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, strings.Join(words[start:end], " "))
	}
	return pieces
}

// stripLeadingTitle removes the parent title from the start of the
// chunk text, compared case-insensitively with whitespace normalized.
func stripLeadingTitle(text, title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return text
	}
	normText := strings.ToLower(strings.Join(strings.Fields(text), " "))
	normTitle := strings.ToLower(strings.Join(strings.Fields(title), " "))
	if !strings.HasPrefix(normText, normTitle) {
		return text
	}

	// Walk the original text far enough to cover the title's words.
	titleWords := len(strings.Fields(normTitle))
	fields := strings.Fields(text)
	if titleWords >= len(fields) {
		return ""
	}
	rest := strings.Join(fields[titleWords:], " ")
	rest = strings.TrimLeft(rest, " .:;,-")
	return strings.TrimSpace(rest)
}
