package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// bioStopFilterName names the abstract stop-word filter.
	bioStopFilterName = "bio_stop"

	// bioAnalyzerName names the abstract analyzer.
	bioAnalyzerName = "bio_analyzer"
)

// bioStopWords are boilerplate abstract terms that would otherwise
// dominate term frequencies.
var bioStopWords = map[string]struct{}{
	"the": {}, "and": {}, "of": {}, "in": {}, "to": {}, "a": {},
	"with": {}, "for": {}, "was": {}, "were": {}, "is": {}, "are": {},
	"this": {}, "that": {}, "we": {}, "our": {}, "from": {}, "by": {},
	"on": {}, "at": {}, "an": {}, "or": {}, "as": {}, "be": {},
}

func init() {
	_ = registry.RegisterTokenFilter(bioStopFilterName, bioStopFilterConstructor)
}

// lexicalIndex wraps bleve for BM25-style keyword search over chunks.
type lexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// lexicalDoc is the indexed document shape.
type lexicalDoc struct {
	Text string `json:"text"`
}

// newLexicalIndex opens or creates the lexical index. An empty path
// creates an in-memory index.
func newLexicalIndex(path string) (*lexicalIndex, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open lexical index: %w", err)
	}

	return &lexicalIndex{index: idx, path: path}, nil
}

// createIndexMapping builds the bleve mapping with the abstract
// analyzer as default.
func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(bioAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			bioStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	indexMapping.DefaultAnalyzer = bioAnalyzerName
	return indexMapping, nil
}

// indexBatch adds or replaces chunks in one batch.
func (l *lexicalIndex) indexBatch(ids []string, texts []string) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for i, id := range ids {
		if err := batch.Index(id, lexicalDoc{Text: texts[i]}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", id, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// lexicalHit is one raw keyword match.
type lexicalHit struct {
	id    string
	score float64
}

// search returns chunks matching the query text.
func (l *lexicalIndex) search(ctx context.Context, queryStr string, limit int) ([]lexicalHit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []lexicalHit{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("text")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	hits := make([]lexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, lexicalHit{id: hit.ID, score: hit.Score})
	}
	return hits, nil
}

// deleteBatch removes chunks by id.
func (l *lexicalIndex) deleteBatch(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// count returns the number of indexed chunks.
func (l *lexicalIndex) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0
	}
	n, _ := l.index.DocCount()
	return int(n)
}

// close closes the index. Bleve persists disk indexes automatically.
func (l *lexicalIndex) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.index != nil {
		return l.index.Close()
	}
	return nil
}

// bioStopFilterConstructor creates the stop-word filter for bleve.
func bioStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bioStopFilter{stopWords: bioStopWords}, nil
}

// bioStopFilter implements analysis.TokenFilter.
type bioStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *bioStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		term := strings.ToLower(string(token.Term))
		if _, isStop := f.stopWords[term]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
