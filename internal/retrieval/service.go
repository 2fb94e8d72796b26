package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/medlit/medlit/internal/chunker"
	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/model"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/vector"
)

// reconstructK is the over-fetch multiplier: the index returns this
// many times the requested limit in chunks so grouping by parent still
// fills the page.
const reconstructK = 3

// similarToTextLimit truncates the referent's text before using it as
// a query.
const similarToTextLimit = 1000

// diversityThreshold and diversityPerJournal cap journal dominance on
// large result sets.
const (
	diversityThreshold  = 20
	diversityPerJournal = 2
)

// Options configures the retrieval service.
type Options struct {
	Index     vector.Store
	Documents store.DocumentStore
	// Dictionary defaults to the seed clinical dictionary.
	Dictionary *ClinicalDictionary
	// Chunker rebuilds full chunk lists for get-by-uid; defaults to the
	// standard configuration.
	Chunker *chunker.Chunker
	// Alpha is the default vector weight for hybrid mode.
	Alpha float64
	// Breaker guards the index dependency; when it is open, searches
	// fail fast with BREAKER_OPEN before any work is admitted.
	Breaker *errors.CircuitBreaker
	// CacheEnabled turns on the result cache; it is off by default
	// because results are deterministic for a corpus snapshot.
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheSize    int
	Logger       *slog.Logger
}

// Service implements the search tool surface.
type Service struct {
	index   vector.Store
	docs    store.DocumentStore
	dict    *ClinicalDictionary
	chunker *chunker.Chunker
	alpha   float64
	breaker *errors.CircuitBreaker
	cache   *expirable.LRU[string, *SearchResponse]
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the retrieval service.
func NewService(opts Options) *Service {
	if opts.Dictionary == nil {
		opts.Dictionary = NewClinicalDictionary()
	}
	if opts.Chunker == nil {
		opts.Chunker = chunker.New(chunker.Config{})
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		index:   opts.Index,
		docs:    opts.Documents,
		dict:    opts.Dictionary,
		chunker: opts.Chunker,
		alpha:   opts.Alpha,
		breaker: opts.Breaker,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if opts.CacheEnabled {
		size := opts.CacheSize
		if size <= 0 {
			size = 1000
		}
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		s.cache = expirable.NewLRU[string, *SearchResponse](size, nil, ttl)
	}
	return s
}

// Gate reports whether the index dependency is accepting calls. It
// returns a BREAKER_OPEN error only while the breaker is fully open;
// half-open passes so the recovery attempt can flow through.
func (s *Service) Gate() error {
	if s.breaker != nil && s.breaker.State() == errors.StateOpen {
		return errors.New(errors.CodeBreakerOpen,
			"search index suspended by circuit breaker")
	}
	return nil
}

// Search runs the full retrieval algorithm: chunk search, grouping,
// reconstruction, reranking, diversity filtering.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = cacheKey(req)
		if resp, ok := s.cache.Get(key); ok {
			cached := *resp
			cached.Cached = true
			return &cached, nil
		}
	}

	alpha := s.alpha
	switch req.Mode {
	case ModeVector:
		alpha = 1
	case ModeLexical:
		alpha = 0
	default:
		if req.Alpha != nil {
			alpha = clamp01(*req.Alpha)
		}
	}

	hits, err := s.index.HybridSearch(ctx, vector.HybridQuery{
		Text:    req.Query,
		Limit:   req.Limit * reconstructK,
		Alpha:   alpha,
		Filters: toVectorFilters(req.Filters),
	})
	if err != nil {
		return nil, err
	}

	var resp *SearchResponse
	if req.Return == ReturnChunks {
		resp = chunksResponse(hits, req)
	} else {
		resp, err = s.documentsResponse(ctx, hits, req)
		if err != nil {
			return nil, err
		}
	}

	if s.cache != nil {
		s.cache.Add(key, resp)
	}
	return resp, nil
}

// GetByUID returns the stored document, optionally with its full chunk
// list in order.
func (s *Service) GetByUID(ctx context.Context, uid string, includeChunks bool) (*DocumentView, error) {
	doc, err := s.docs.GetDocument(ctx, uid)
	if err != nil {
		return nil, err
	}

	view := &DocumentView{
		UID:         doc.UID,
		Source:      doc.Source,
		SourceID:    doc.SourceID,
		Title:       doc.Title,
		Text:        doc.Text,
		PublishedAt: doc.PublishedAt,
		Quality:     doc.QualityTotal(),
		Version:     doc.Version,
		Detail:      doc.Detail,
	}

	if includeChunks {
		chunks, _, err := s.chunker.Chunk(ctx, doc)
		if err != nil {
			return nil, err
		}
		view.Chunks = make([]*ChunkResult, len(chunks))
		for i, c := range chunks {
			view.Chunks[i] = &ChunkResult{
				UUID:      c.UUID,
				ParentUID: c.ParentUID,
				ChunkID:   c.ChunkID,
				Section:   string(c.Section),
				Text:      c.Text,
			}
		}
	}
	return view, nil
}

// SimilarTo searches with the referent's own text as the query,
// restricted to the referent's source, excluding the referent.
func (s *Service) SimilarTo(ctx context.Context, uid string, limit int) (*SearchResponse, error) {
	doc, err := s.docs.GetDocument(ctx, uid)
	if err != nil {
		return nil, err
	}

	text := truncateOnRune(doc.Text, similarToTextLimit)

	return s.Search(ctx, SearchRequest{
		Query:      text,
		Limit:      limit,
		Filters:    SearchFilters{Source: doc.Source},
		excludeUID: uid,
	})
}

// docGroup accumulates one parent's chunks during grouping.
type docGroup struct {
	uid      string
	hits     []*vector.Hit
	best     float64
	sections map[string]bool
	journal  string
}

func (s *Service) documentsResponse(ctx context.Context, hits []*vector.Hit, req SearchRequest) (*SearchResponse, error) {
	groups := make(map[string]*docGroup)
	var order []string
	for _, h := range hits {
		if h.ParentUID == req.excludeUID {
			continue
		}
		g, exists := groups[h.ParentUID]
		if !exists {
			g = &docGroup{uid: h.ParentUID, sections: make(map[string]bool), journal: h.Journal}
			groups[h.ParentUID] = g
			order = append(order, h.ParentUID)
		}
		g.hits = append(g.hits, h)
		g.sections[h.Section] = true
		if h.Score > g.best {
			g.best = h.Score
		}
	}
	if len(order) == 0 {
		return &SearchResponse{}, nil
	}

	docs, err := s.docs.GetDocuments(ctx, order)
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]*model.Document, len(docs))
	for _, d := range docs {
		byUID[d.UID] = d
	}

	queryClinical := boolOrTrue(req.BoostClinical) && s.dict.ContainsAny(req.Query)

	results := make([]*DocumentResult, 0, len(order))
	for _, uid := range order {
		g := groups[uid]
		doc, exists := byUID[uid]
		if !exists {
			// Index is ahead of the document store; skip the orphan.
			s.logger.Warn("indexed chunk without stored document", "uid", uid)
			continue
		}
		if req.QualityThreshold > 0 && doc.QualityTotal() < req.QualityThreshold {
			continue
		}
		results = append(results, s.scoreDocument(doc, g, req, queryClinical))
	}

	sortResults(results)
	results = diversityFilter(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	return &SearchResponse{Documents: results, Total: len(results)}, nil
}

// scoreDocument computes the reranked document score:
// best chunk score, coverage and section bonuses, quality share, then
// recency and clinical boosts.
func (s *Service) scoreDocument(doc *model.Document, g *docGroup, req SearchRequest, queryClinical bool) *DocumentResult {
	detail := pubmed.DetailFrom(doc)
	quality := doc.QualityTotal()

	score := g.best
	score += minFloat(0.2, 0.05*float64(len(g.hits)))
	score += 0.1 * float64(coreSections(g.sections)) / 4
	score += 0.05 * quality

	if boolOrTrue(req.BoostRecent) {
		score += s.recencyBoost(doc.Year())
	}
	if boolOrTrue(req.BoostClinical) {
		matches := s.dict.CountMatches(doc.Title + " " + doc.Text)
		boost := minFloat(0.10, 0.02*float64(matches))
		if queryClinical {
			boost *= 1.5
		}
		score += boost
	}

	sections := make([]string, 0, len(g.sections))
	for sec := range g.sections {
		sections = append(sections, sec)
	}
	sort.Slice(sections, func(i, j int) bool {
		return model.Section(sections[i]).Priority() < model.Section(sections[j]).Priority()
	})

	studyTypes := append([]string{}, detail.PublicationTypes...)
	studyTypes = append(studyTypes, detail.MeshTerms...)

	return &DocumentResult{
		UID:           doc.UID,
		Title:         doc.Title,
		Abstract:      reconstructAbstract(g.hits),
		Source:        doc.Source,
		Journal:       detail.Journal,
		PublishedAt:   doc.PublishedAt,
		Score:         score,
		Quality:       quality,
		EvidenceLevel: EvidenceLevel(studyTypes),
		ChunkCount:    len(g.hits),
		Sections:      sections,
	}
}

// recencyBoost rewards recent publications on a stepped scale.
func (s *Service) recencyBoost(year int) float64 {
	if year <= 0 {
		return 0
	}
	age := s.now().Year() - year
	switch {
	case age <= 2:
		return 0.15
	case age <= 5:
		return 0.075
	case age <= 10:
		return 0.03
	default:
		return 0
	}
}

// coreSections counts distinct rhetorical sections among
// Background, Methods, Results, Conclusions.
func coreSections(sections map[string]bool) int {
	n := 0
	for _, sec := range []model.Section{
		model.SectionBackground, model.SectionMethods,
		model.SectionResults, model.SectionConclusions,
	} {
		if sections[string(sec)] {
			n++
		}
	}
	return n
}

// sectionHeaderPattern matches residual inline section labels left in
// chunk text after reconstruction.
var sectionHeaderPattern = regexp.MustCompile(`(?i)\b(background|introduction|objectives?|methods?|materials and methods|results|findings|conclusions?|discussion)\s*:\s*`)

// reconstructAbstract orders a document's retrieved chunks by
// (section priority, chunk index) and joins their texts.
func reconstructAbstract(hits []*vector.Hit) string {
	ordered := make([]*vector.Hit, len(hits))
	copy(ordered, hits)
	sort.Slice(ordered, func(i, j int) bool {
		pi := model.Section(ordered[i].Section).Priority()
		pj := model.Section(ordered[j].Section).Priority()
		if pi != pj {
			return pi < pj
		}
		return chunkIndex(ordered[i].ChunkID) < chunkIndex(ordered[j].ChunkID)
	})

	parts := make([]string, 0, len(ordered))
	for _, h := range ordered {
		parts = append(parts, h.Text)
	}
	joined := sectionHeaderPattern.ReplaceAllString(strings.Join(parts, " "), "")
	return strings.Join(strings.Fields(joined), " ")
}

// chunkIndex parses the numeric part of a chunk id like "s2" or "w0".
func chunkIndex(chunkID string) int {
	if len(chunkID) < 2 {
		return 0
	}
	n, err := strconv.Atoi(chunkID[1:])
	if err != nil {
		return 0
	}
	return n
}

// sortResults applies the strict ranking order: score, then quality,
// then publication date, then uid.
func sortResults(results []*DocumentResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		at, bt := timeOrZero(a.PublishedAt), timeOrZero(b.PublishedAt)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.UID < b.UID
	})
}

// diversityFilter caps results per journal on large result sets so a
// single journal cannot dominate the page.
func diversityFilter(results []*DocumentResult) []*DocumentResult {
	if len(results) <= diversityThreshold {
		return results
	}

	perJournal := make(map[string]int)
	out := results[:0]
	for _, r := range results {
		if r.Journal != "" {
			if perJournal[r.Journal] >= diversityPerJournal {
				continue
			}
			perJournal[r.Journal]++
		}
		out = append(out, r)
	}
	return out
}

func chunksResponse(hits []*vector.Hit, req SearchRequest) *SearchResponse {
	chunks := make([]*ChunkResult, 0, req.Limit)
	for _, h := range hits {
		if h.ParentUID == req.excludeUID {
			continue
		}
		chunks = append(chunks, &ChunkResult{
			UUID:      h.UUID,
			ParentUID: h.ParentUID,
			ChunkID:   h.ChunkID,
			Section:   h.Section,
			Text:      h.Text,
			Score:     h.Score,
		})
		if len(chunks) == req.Limit {
			break
		}
	}
	return &SearchResponse{Chunks: chunks, Total: len(chunks)}
}

// normalizeRequest validates and applies defaults.
func normalizeRequest(req SearchRequest) (SearchRequest, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, errors.Validation("query", "query must not be empty")
	}
	if len(req.Query) > MaxQueryLen {
		return req, errors.Validation("query",
			fmt.Sprintf("query exceeds %d characters", MaxQueryLen))
	}

	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Limit < MinLimit {
		req.Limit = MinLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	switch req.Mode {
	case "":
		req.Mode = ModeHybrid
	case ModeHybrid, ModeVector, ModeLexical:
	default:
		return req, errors.Validation("mode", "mode must be hybrid, vector, or lexical")
	}

	switch req.Return {
	case "":
		req.Return = ReturnDocuments
	case ReturnDocuments, ReturnChunks:
	default:
		return req, errors.Validation("return", "return must be documents or chunks")
	}

	if req.QualityThreshold < 0 || req.QualityThreshold > 1 {
		return req, errors.Validation("quality_threshold", "quality_threshold must be in [0,1]")
	}

	if len(req.Filters.YearRange) != 0 && len(req.Filters.YearRange) != 2 {
		return req, errors.Validation("filters.year_range", "year_range must be [lo, hi]")
	}
	return req, nil
}

// toVectorFilters maps request filters onto the index contract.
func toVectorFilters(f SearchFilters) vector.Filters {
	out := vector.Filters{Sections: f.Sections}
	if f.Source != "" {
		out.Sources = []string{f.Source}
	}
	if len(f.YearRange) == 2 {
		from := time.Date(f.YearRange[0], 1, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(f.YearRange[1], 12, 31, 23, 59, 59, 0, time.UTC)
		out.From = &from
		out.To = &to
	}
	return out
}

// cacheKey hashes the canonical request so equivalent searches share a
// cache entry.
func cacheKey(req SearchRequest) string {
	alpha := -1.0
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	canonical := fmt.Sprintf("%s|%d|%s|%s|%.4f|%v|%v|%v|%.4f|%v|%v|%s",
		strings.ToLower(req.Query), req.Limit, req.Mode, req.Return, alpha,
		req.Filters.Source, req.Filters.YearRange, req.Filters.Sections,
		req.QualityThreshold, boolOrTrue(req.BoostRecent), boolOrTrue(req.BoostClinical),
		req.excludeUID)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// truncateOnRune cuts s to at most max bytes without splitting a
// UTF-8 sequence.
func truncateOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func boolOrTrue(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
