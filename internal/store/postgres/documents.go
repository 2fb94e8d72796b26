package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/model"
)

// PutDocument implements store.DocumentStore. The version is bumped
// when the content hash differs from the stored row.
func (s *Store) PutDocument(ctx context.Context, doc *model.Document) error {
	if err := doc.Validate(); err != nil {
		return errors.Wrap(errors.CodeValidation, "invalid document", err)
	}

	version := doc.Version
	if version == 0 {
		version = 1
	}

	var prevTitle, prevText string
	var prevVersion int
	err := s.pool.QueryRow(ctx,
		`SELECT title, body, version FROM documents WHERE uid = $1`, doc.UID,
	).Scan(&prevTitle, &prevText, &prevVersion)
	switch {
	case err == pgx.ErrNoRows:
		// First write keeps version as-is.
	case err != nil:
		return fmt.Errorf("failed to read existing document: %w", err)
	default:
		prev := model.Document{Title: prevTitle, Text: prevText}
		if prev.ContentHash() != doc.ContentHash() {
			version = prevVersion + 1
		} else {
			version = prevVersion
		}
	}
	doc.Version = version

	authors, _ := json.Marshal(emptySlice(doc.Authors))
	labels, _ := json.Marshal(emptySlice(doc.Labels))
	identifiers, _ := json.Marshal(emptyStringMap(doc.Identifiers))
	provenance, _ := json.Marshal(emptyAnyMap(doc.Provenance))
	detail, _ := json.Marshal(emptyAnyMap(doc.Detail))

	_, err = s.pool.Exec(ctx, `
INSERT INTO documents
	(uid, source, source_id, title, body, published_at, fetched_at, language,
	 authors, labels, identifiers, provenance, detail, license, version, schema, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (uid) DO UPDATE SET
	title = EXCLUDED.title,
	body = EXCLUDED.body,
	published_at = EXCLUDED.published_at,
	fetched_at = EXCLUDED.fetched_at,
	language = EXCLUDED.language,
	authors = EXCLUDED.authors,
	labels = EXCLUDED.labels,
	identifiers = EXCLUDED.identifiers,
	provenance = EXCLUDED.provenance,
	detail = EXCLUDED.detail,
	license = EXCLUDED.license,
	version = EXCLUDED.version,
	schema = EXCLUDED.schema,
	updated_at = EXCLUDED.updated_at`,
		doc.UID, doc.Source, doc.SourceID, doc.Title, doc.Text,
		doc.PublishedAt, doc.FetchedAt, doc.Language,
		authors, labels, identifiers, provenance, detail,
		doc.License, version, doc.Schema, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// GetDocument implements store.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, uid string) (*model.Document, error) {
	rows, err := s.pool.Query(ctx, documentSelect+` WHERE uid = $1`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		return nil, errors.NotFound("document", uid)
	}
	return scanDocument(rows)
}

// GetDocuments implements store.DocumentStore.
func (s *Store) GetDocuments(ctx context.Context, uids []string) ([]*model.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, documentSelect+` WHERE uid = ANY($1)`, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument implements store.DocumentStore.
func (s *Store) DeleteDocument(ctx context.Context, uid string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// CountDocuments implements store.DocumentStore.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// ListChunksPending implements store.DocumentStore.
func (s *Store) ListChunksPending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT uid FROM documents
WHERE (provenance->>'chunks_pending')::boolean
ORDER BY updated_at, uid
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending documents: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan pending uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

const documentSelect = `
SELECT uid, source, source_id, title, body, published_at, fetched_at, language,
       authors, labels, identifiers, provenance, detail, license, version, schema
FROM documents`

func scanDocument(rows pgx.Rows) (*model.Document, error) {
	var (
		doc                model.Document
		authors, labels    []byte
		identifiers        []byte
		provenance, detail []byte
	)

	err := rows.Scan(&doc.UID, &doc.Source, &doc.SourceID, &doc.Title, &doc.Text,
		&doc.PublishedAt, &doc.FetchedAt, &doc.Language,
		&authors, &labels, &identifiers, &provenance, &detail,
		&doc.License, &doc.Version, &doc.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	if err := json.Unmarshal(authors, &doc.Authors); err != nil {
		return nil, fmt.Errorf("bad authors: %w", err)
	}
	if err := json.Unmarshal(labels, &doc.Labels); err != nil {
		return nil, fmt.Errorf("bad labels: %w", err)
	}
	if err := json.Unmarshal(identifiers, &doc.Identifiers); err != nil {
		return nil, fmt.Errorf("bad identifiers: %w", err)
	}
	if err := json.Unmarshal(provenance, &doc.Provenance); err != nil {
		return nil, fmt.Errorf("bad provenance: %w", err)
	}
	if err := json.Unmarshal(detail, &doc.Detail); err != nil {
		return nil, fmt.Errorf("bad detail: %w", err)
	}
	return &doc, nil
}

func emptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func emptyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func emptyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
