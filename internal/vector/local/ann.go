package local

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// annIndex wraps coder/hnsw for approximate nearest-neighbor search.
// String chunk UUIDs map to internal uint64 keys; deletions are lazy
// because removing graph nodes is unreliable in the underlying
// library.
type annIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// annMetadata persists ID mappings alongside the graph.
type annMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Dims    int
}

// newANNIndex creates an empty ANN index with cosine distance.
func newANNIndex(dims int) *annIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &annIndex{
		graph:  graph,
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// add inserts vectors; existing ids are lazily replaced.
func (a *annIndex) add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("ann index is closed")
	}

	for _, v := range vectors {
		if len(v) != a.dims {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", a.dims, len(v))
		}
	}

	for i, id := range ids {
		if existingKey, exists := a.idMap[id]; exists {
			// Lazy deletion: orphan the old key rather than touching
			// the graph.
			delete(a.keyMap, existingKey)
			delete(a.idMap, id)
		}

		key := a.nextKey
		a.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		a.graph.Add(hnsw.MakeNode(key, vec))
		a.idMap[id] = key
		a.keyMap[key] = id
	}
	return nil
}

// annHit is one nearest-neighbor result.
type annHit struct {
	id    string
	score float64
}

// search returns up to k nearest chunks by cosine similarity, scored
// in [0,1].
func (a *annIndex) search(query []float32, k int) ([]annHit, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, fmt.Errorf("ann index is closed")
	}
	if len(query) != a.dims {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", a.dims, len(query))
	}
	if a.graph.Len() == 0 {
		return []annHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for lazily deleted nodes still in the
	// graph.
	orphans := a.graph.Len() - len(a.idMap)
	nodes := a.graph.Search(normalized, k+orphans)

	hits := make([]annHit, 0, k)
	for _, node := range nodes {
		id, exists := a.keyMap[node.Key]
		if !exists {
			continue
		}
		distance := a.graph.Distance(normalized, node.Value)
		hits = append(hits, annHit{id: id, score: 1 - float64(distance)/2})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// delete removes ids lazily.
func (a *annIndex) delete(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	for _, id := range ids {
		if key, exists := a.idMap[id]; exists {
			delete(a.keyMap, key)
			delete(a.idMap, id)
		}
	}
}

// contains reports whether the id is indexed.
func (a *annIndex) contains(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, exists := a.idMap[id]
	return exists
}

// count returns the number of live vectors.
func (a *annIndex) count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.idMap)
}

// save writes the graph and ID mappings atomically (temp + rename).
func (a *annIndex) save(path string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return fmt.Errorf("ann index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := a.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return a.saveMetadata(path + ".meta")
}

func (a *annIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := annMetadata{IDMap: a.idMap, NextKey: a.nextKey, Dims: a.dims}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// load restores the graph and ID mappings from disk.
func (a *annIndex) load(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("ann index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer metaFile.Close()

	var meta annMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode ann metadata: %w", err)
	}
	a.idMap = meta.IDMap
	a.nextKey = meta.NextKey
	a.dims = meta.Dims
	a.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		a.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := a.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

// close marks the index closed; the graph is in-memory only.
func (a *annIndex) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// normalizeInPlace scales v to unit length.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return
	}
	for i, val := range v {
		v[i] = float32(float64(val) / magnitude)
	}
}
