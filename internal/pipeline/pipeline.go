// Package pipeline implements document ingestion: normalize a raw
// source record, score its quality, chunk it, persist the document,
// and index the chunks. The relational store is the source of truth;
// index failures mark the document chunks-pending instead of losing
// the write.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/medlit/medlit/internal/chunker"
	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/model"
	"github.com/medlit/medlit/internal/pubmed"
	"github.com/medlit/medlit/internal/quality"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/vector"
)

// Status describes what ingestion did with a record.
type Status string

const (
	// StatusCreated is a first-time ingest.
	StatusCreated Status = "created"
	// StatusUpdated replaced changed content.
	StatusUpdated Status = "updated"
	// StatusUnchanged skipped an identical record.
	StatusUnchanged Status = "unchanged"
	// StatusRepaired re-indexed chunks owed from an earlier failure.
	StatusRepaired Status = "repaired"
)

// Result reports one record's ingestion outcome.
type Result struct {
	UID           string
	Status        Status
	Chunks        int
	Warnings      []string
	ChunksPending bool
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	normalizers map[string]pubmed.Normalizer
	quality     *quality.Registry
	chunker     *chunker.Chunker
	docs        store.DocumentStore
	index       vector.Store
	logger      *slog.Logger
	now         func() time.Time
}

// Options configures the pipeline.
type Options struct {
	Normalizers []pubmed.Normalizer
	Quality     *quality.Registry
	Chunker     *chunker.Chunker
	Documents   store.DocumentStore
	Index       vector.Store
	Logger      *slog.Logger
}

// New creates the pipeline.
func New(opts Options) *Pipeline {
	if opts.Chunker == nil {
		opts.Chunker = chunker.New(chunker.Config{})
	}
	if opts.Quality == nil {
		opts.Quality = quality.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	normalizers := make(map[string]pubmed.Normalizer, len(opts.Normalizers))
	for _, n := range opts.Normalizers {
		normalizers[n.Source()] = n
	}

	return &Pipeline{
		normalizers: normalizers,
		quality:     opts.Quality,
		chunker:     opts.Chunker,
		docs:        opts.Documents,
		index:       opts.Index,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// IngestRecord runs one raw record through the full pipeline.
// Validation failures surface as VALIDATION errors; an index failure
// after the document write returns success with ChunksPending set so
// sync can continue and a later ingest repairs the index.
func (p *Pipeline) IngestRecord(ctx context.Context, source string, rec *pubmed.RawRecord) (*Result, error) {
	start := p.now()

	normalizer, ok := p.normalizers[source]
	if !ok {
		return nil, errors.Validation("source", "no normalizer registered for source "+source)
	}

	doc, err := normalizer.Normalize(rec)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "record rejected", err)
	}

	doc.SetDetail("quality_total", p.quality.Score(doc))
	doc.SetProvenance(model.ProvenanceContentHash, doc.ContentHash())

	status, skip, err := p.classify(ctx, doc)
	if err != nil {
		return nil, err
	}
	if skip {
		return &Result{UID: doc.UID, Status: StatusUnchanged}, nil
	}

	chunks, warnings, err := p.chunker.Chunk(ctx, doc)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		doc.SetProvenance(model.ProvenanceChunkWarning, warnings[len(warnings)-1])
	}

	doc.SetProvenance(model.ProvenanceFetchMillis, p.now().Sub(start).Milliseconds())
	doc.SetProvenance(model.ProvenanceChunksPending, false)
	if err := p.docs.PutDocument(ctx, doc); err != nil {
		return nil, err
	}

	result := &Result{
		UID:      doc.UID,
		Status:   status,
		Chunks:   len(chunks),
		Warnings: warnings,
	}

	if err := p.indexChunks(ctx, doc, chunks); err != nil {
		// Document is durable; owe the index work and move on.
		doc.SetProvenance(model.ProvenanceChunksPending, true)
		if putErr := p.docs.PutDocument(ctx, doc); putErr != nil {
			return nil, putErr
		}
		p.logger.Warn("chunk indexing deferred",
			"uid", doc.UID, "error", err)
		result.ChunksPending = true
		result.Warnings = append(result.Warnings, "chunk indexing deferred: "+err.Error())
	}

	return result, nil
}

// RepairPending re-chunks and indexes up to limit documents whose
// earlier index write failed, clearing the pending flag on success. It
// returns the number repaired; a document that fails again keeps its
// flag for the next sweep.
func (p *Pipeline) RepairPending(ctx context.Context, limit int) (int, error) {
	uids, err := p.docs.ListChunksPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}

		doc, err := p.docs.GetDocument(ctx, uid)
		if err != nil {
			if errors.CodeOf(err) == errors.CodeNotFound {
				continue
			}
			return repaired, err
		}

		chunks, _, err := p.chunker.Chunk(ctx, doc)
		if err != nil {
			return repaired, err
		}
		if err := p.indexChunks(ctx, doc, chunks); err != nil {
			p.logger.Warn("chunk repair deferred", "uid", uid, "error", err)
			continue
		}

		doc.SetProvenance(model.ProvenanceChunksPending, false)
		if err := p.docs.PutDocument(ctx, doc); err != nil {
			return repaired, err
		}
		repaired++
		p.logger.Info("chunk index repaired", "uid", uid, "chunks", len(chunks))
	}
	return repaired, nil
}

// classify decides whether the record needs (re)processing.
func (p *Pipeline) classify(ctx context.Context, doc *model.Document) (Status, bool, error) {
	existing, err := p.docs.GetDocument(ctx, doc.UID)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return StatusCreated, false, nil
		}
		return "", false, err
	}

	if existing.ContentHash() == doc.ContentHash() {
		if existing.ChunksPending() {
			return StatusRepaired, false, nil
		}
		return StatusUnchanged, true, nil
	}
	return StatusUpdated, false, nil
}

// indexChunks replaces the parent's chunks in the vector index and
// garbage-collects chunks that no longer exist.
func (p *Pipeline) indexChunks(ctx context.Context, doc *model.Document, chunks []*model.Chunk) error {
	detail := pubmed.DetailFrom(doc)

	records := make([]*vector.ChunkRecord, len(chunks))
	current := make(map[string]bool, len(chunks))
	for i, c := range chunks {
		records[i] = &vector.ChunkRecord{
			UUID:        c.UUID,
			ParentUID:   doc.UID,
			ChunkID:     c.ChunkID,
			Section:     string(c.Section),
			Text:        c.Text,
			Source:      doc.Source,
			Journal:     detail.Journal,
			PublishedAt: doc.PublishedAt,
		}
		current[c.UUID] = true
	}

	if err := p.index.UpsertChunks(ctx, records); err != nil {
		return err
	}

	indexed, err := p.index.ListByParent(ctx, doc.UID)
	if err != nil {
		return err
	}
	var stale []string
	for _, uuid := range indexed {
		if !current[uuid] {
			stale = append(stale, uuid)
		}
	}
	if len(stale) > 0 {
		if err := p.index.DeleteChunks(ctx, stale); err != nil {
			return err
		}
	}
	return nil
}
