// Package local implements the hybrid index with an embedded lexical
// index (bleve) and an in-process ANN graph (coder/hnsw), fused by a
// weighted linear blend of normalized branch scores.
package local

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/medlit/medlit/internal/embed"
	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/vector"
)

const (
	lexicalDirName  = "lexical"
	annFileName     = "ann.idx"
	recordsFileName = "records.gob"
	lockFileName    = ".lock"

	// filterOverFetch widens branch retrieval when hard filters are
	// set, since filtering happens after scoring.
	filterOverFetch = 4
	// baseOverFetch absorbs fusion reordering between the branches.
	baseOverFetch = 2
)

// Options configures the local store.
type Options struct {
	// Dir holds the on-disk index; empty keeps everything in memory.
	Dir string
	// Alpha is the default vector weight in [0,1].
	Alpha float64
	// Embedder vectorizes chunk text and queries.
	Embedder embed.Embedder
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the local hybrid index.
type Store struct {
	mu sync.RWMutex

	dir      string
	alpha    float64
	embedder embed.Embedder
	logger   *slog.Logger

	lexical  *lexicalIndex
	ann      *annIndex
	fileLock *flock.Flock

	// records holds chunk metadata by UUID; byParent groups UUIDs for
	// garbage collection and reconstruction.
	records  map[string]*vector.ChunkRecord
	byParent map[string][]string

	closed bool
}

var _ vector.Store = (*Store)(nil)

// New opens or creates the local hybrid store. A directory lock
// prevents concurrent writers from different processes.
func New(opts Options) (*Store, error) {
	if opts.Embedder == nil {
		opts.Embedder = embed.NewStaticEmbedder()
	}
	if opts.Alpha == 0 {
		opts.Alpha = 0.5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		dir:      opts.Dir,
		alpha:    opts.Alpha,
		embedder: opts.Embedder,
		logger:   opts.Logger,
		records:  make(map[string]*vector.ChunkRecord),
		byParent: make(map[string][]string),
	}

	lexicalPath := ""
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}

		s.fileLock = flock.New(filepath.Join(opts.Dir, lockFileName))
		locked, err := s.fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock index directory: %w", err)
		}
		if !locked {
			return nil, errors.New(errors.CodeConflict,
				fmt.Sprintf("index directory %s is locked by another process", opts.Dir))
		}

		lexicalPath = filepath.Join(opts.Dir, lexicalDirName)
	}

	lex, err := newLexicalIndex(lexicalPath)
	if err != nil {
		s.unlock()
		return nil, err
	}
	s.lexical = lex
	s.ann = newANNIndex(opts.Embedder.Dimensions())

	if opts.Dir != "" {
		if err := s.loadState(); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("index state not loaded, starting empty", "error", err)
			}
			s.records = make(map[string]*vector.ChunkRecord)
			s.byParent = make(map[string][]string)
		}
	}

	return s, nil
}

// UpsertChunks implements vector.Store.
func (s *Store) UpsertChunks(ctx context.Context, records []*vector.ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}

	texts := make([]string, len(records))
	ids := make([]string, len(records))
	for i, rec := range records {
		if rec.UUID == "" || rec.ParentUID == "" {
			return errors.Validation("uuid", "chunk records require uuid and parent_uid")
		}
		ids[i] = rec.UUID
		texts[i] = rec.Text
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return errors.Wrap(errors.CodeUpstream, "embedding failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.CodeUnavailable, "index is closed")
	}

	if err := s.lexical.indexBatch(ids, texts); err != nil {
		return err
	}
	if err := s.ann.add(ids, vectors); err != nil {
		return err
	}

	for _, rec := range records {
		if prev, exists := s.records[rec.UUID]; exists {
			s.removeFromParentLocked(prev.ParentUID, rec.UUID)
		}
		cp := *rec
		s.records[rec.UUID] = &cp
		s.byParent[rec.ParentUID] = append(s.byParent[rec.ParentUID], rec.UUID)
	}
	return nil
}

// DeleteChunks implements vector.Store.
func (s *Store) DeleteChunks(ctx context.Context, uuids []string) error {
	if len(uuids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.CodeUnavailable, "index is closed")
	}

	if err := s.lexical.deleteBatch(uuids); err != nil {
		return err
	}
	s.ann.delete(uuids)

	for _, id := range uuids {
		if rec, exists := s.records[id]; exists {
			s.removeFromParentLocked(rec.ParentUID, id)
			delete(s.records, id)
		}
	}
	return nil
}

// ListByParent implements vector.Store.
func (s *Store) ListByParent(ctx context.Context, parentUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.New(errors.CodeUnavailable, "index is closed")
	}

	uuids := make([]string, len(s.byParent[parentUID]))
	copy(uuids, s.byParent[parentUID])
	sort.Strings(uuids)
	return uuids, nil
}

// HybridSearch implements vector.Store. Both branches run in
// parallel; each branch's scores are min-max normalized before the
// alpha blend so neither scale dominates.
func (s *Store) HybridSearch(ctx context.Context, q vector.HybridQuery) ([]*vector.Hit, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.New(errors.CodeUnavailable, "index is closed")
	}
	s.mu.RUnlock()

	if q.Limit <= 0 {
		return nil, errors.Validation("limit", "limit must be positive")
	}
	alpha := q.Alpha
	if alpha < 0 || alpha > 1 {
		alpha = s.alpha
	}

	fetchK := q.Limit * baseOverFetch
	if hasFilters(q.Filters) {
		fetchK = q.Limit * filterOverFetch
	}

	var (
		lexHits []lexicalHit
		annHits []annHit
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexHits, err = s.lexical.search(gctx, q.Text, fetchK)
		return err
	})
	g.Go(func() error {
		queryVec, err := s.embedder.Embed(gctx, q.Text)
		if err != nil {
			return errors.Wrap(errors.CodeUpstream, "query embedding failed", err)
		}
		annHits, err = s.ann.search(queryVec, fetchK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuse(lexHits, annHits, alpha)

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]*vector.Hit, 0, q.Limit)
	for _, f := range fused {
		rec, exists := s.records[f.id]
		if !exists || !matchesFilters(rec, q.Filters) {
			continue
		}
		hits = append(hits, &vector.Hit{
			UUID:      rec.UUID,
			ParentUID: rec.ParentUID,
			ChunkID:   rec.ChunkID,
			Section:   rec.Section,
			Journal:   rec.Journal,
			Text:      rec.Text,
			Score:     f.score,
			Lexical:   f.lexical,
			Vector:    f.vector,
		})
		if len(hits) == q.Limit {
			break
		}
	}
	return hits, nil
}

// Ready implements vector.Store.
func (s *Store) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New(errors.CodeUnavailable, "index is closed")
	}
	if !s.embedder.Available(ctx) {
		return errors.New(errors.CodeUnavailable, "embedder is not available")
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements vector.Store: persists state and releases the
// directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.dir != "" {
		if err := s.ann.save(filepath.Join(s.dir, annFileName)); err != nil {
			firstErr = err
		}
		if err := s.saveRecords(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.ann.close()
	if err := s.lexical.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.unlock()
	return firstErr
}

func (s *Store) unlock() {
	if s.fileLock != nil {
		_ = s.fileLock.Unlock()
	}
}

// removeFromParentLocked drops one UUID from a parent's chunk list.
func (s *Store) removeFromParentLocked(parentUID, uuid string) {
	uuids := s.byParent[parentUID]
	for i, id := range uuids {
		if id == uuid {
			s.byParent[parentUID] = append(uuids[:i], uuids[i+1:]...)
			break
		}
	}
	if len(s.byParent[parentUID]) == 0 {
		delete(s.byParent, parentUID)
	}
}

// saveRecords persists chunk metadata atomically.
func (s *Store) saveRecords() error {
	path := filepath.Join(s.dir, recordsFileName)
	tmpPath := path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create records file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(s.records); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode records: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close records file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// loadState restores records and the ANN graph from disk.
func (s *Store) loadState() error {
	recordsPath := filepath.Join(s.dir, recordsFileName)
	file, err := os.Open(recordsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(&s.records); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	s.byParent = make(map[string][]string)
	for uuid, rec := range s.records {
		s.byParent[rec.ParentUID] = append(s.byParent[rec.ParentUID], uuid)
	}

	if err := s.ann.load(filepath.Join(s.dir, annFileName)); err != nil {
		return err
	}
	return nil
}

// fusedHit carries per-branch and blended scores.
type fusedHit struct {
	id      string
	score   float64
	lexical float64
	vector  float64
}

// fuse normalizes each branch to [0,1] and blends:
// alpha*vector + (1-alpha)*lexical. Chunks found by only one branch
// contribute a zero for the other.
func fuse(lexHits []lexicalHit, annHits []annHit, alpha float64) []fusedHit {
	lexNorm := normalizeLexical(lexHits)
	vecNorm := normalizeANN(annHits)

	merged := make(map[string]*fusedHit, len(lexNorm)+len(vecNorm))
	for id, score := range lexNorm {
		merged[id] = &fusedHit{id: id, lexical: score}
	}
	for id, score := range vecNorm {
		if f, exists := merged[id]; exists {
			f.vector = score
		} else {
			merged[id] = &fusedHit{id: id, vector: score}
		}
	}

	out := make([]fusedHit, 0, len(merged))
	for _, f := range merged {
		f.score = alpha*f.vector + (1-alpha)*f.lexical
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// normalizeLexical min-max scales lexical scores to [0,1]. A single
// hit maps to 1.
func normalizeLexical(hits []lexicalHit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].score, hits[0].score
	for _, h := range hits {
		if h.score < min {
			min = h.score
		}
		if h.score > max {
			max = h.score
		}
	}
	for _, h := range hits {
		if max == min {
			out[h.id] = 1
			continue
		}
		out[h.id] = (h.score - min) / (max - min)
	}
	return out
}

// normalizeANN scales ANN scores; cosine scores are already in [0,1]
// but min-max keeps the two branches on comparable footing.
func normalizeANN(hits []annHit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].score, hits[0].score
	for _, h := range hits {
		if h.score < min {
			min = h.score
		}
		if h.score > max {
			max = h.score
		}
	}
	for _, h := range hits {
		if max == min {
			out[h.id] = 1
			continue
		}
		out[h.id] = (h.score - min) / (max - min)
	}
	return out
}

// hasFilters reports whether any hard filter is set.
func hasFilters(f vector.Filters) bool {
	return len(f.Sources) > 0 || len(f.Sections) > 0 || f.From != nil || f.To != nil
}

// matchesFilters applies hard constraints against chunk metadata.
func matchesFilters(rec *vector.ChunkRecord, f vector.Filters) bool {
	if len(f.Sources) > 0 && !containsString(f.Sources, rec.Source) {
		return false
	}
	if len(f.Sections) > 0 && !containsString(f.Sections, rec.Section) {
		return false
	}
	if f.From != nil {
		if rec.PublishedAt == nil || rec.PublishedAt.Before(*f.From) {
			return false
		}
	}
	if f.To != nil {
		if rec.PublishedAt == nil || rec.PublishedAt.After(*f.To) {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
