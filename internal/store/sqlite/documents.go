package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

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
	err := s.db.QueryRowContext(ctx,
		`SELECT title, body, version FROM documents WHERE uid = ?`, doc.UID,
	).Scan(&prevTitle, &prevText, &prevVersion)
	switch {
	case err == sql.ErrNoRows:
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

	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents
	(uid, source, source_id, title, body, published_at, fetched_at, language,
	 authors, labels, identifiers, provenance, detail, license, version, schema, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uid) DO UPDATE SET
	title = excluded.title,
	body = excluded.body,
	published_at = excluded.published_at,
	fetched_at = excluded.fetched_at,
	language = excluded.language,
	authors = excluded.authors,
	labels = excluded.labels,
	identifiers = excluded.identifiers,
	provenance = excluded.provenance,
	detail = excluded.detail,
	license = excluded.license,
	version = excluded.version,
	schema = excluded.schema,
	updated_at = excluded.updated_at`,
		doc.UID, doc.Source, doc.SourceID, doc.Title, doc.Text,
		timePtrToDB(doc.PublishedAt), timePtrToDB(doc.FetchedAt), doc.Language,
		string(authors), string(labels), string(identifiers), string(provenance),
		string(detail), doc.License, version, doc.Schema, timeToDB(s.now()))
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// GetDocument implements store.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, uid string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, documentSelect+` WHERE uid = ?`, uid)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("document", uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return doc, nil
}

// GetDocuments implements store.DocumentStore.
func (s *Store) GetDocuments(ctx context.Context, uids []string) ([]*model.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(uids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}

	rows, err := s.db.QueryContext(ctx,
		documentSelect+` WHERE uid IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument implements store.DocumentStore.
func (s *Store) DeleteDocument(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// CountDocuments implements store.DocumentStore.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
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
	rows, err := s.db.QueryContext(ctx, `
SELECT uid FROM documents
WHERE json_extract(provenance, '$.chunks_pending') = 1
ORDER BY updated_at, uid
LIMIT ?`, limit)
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

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		doc                    model.Document
		publishedAt, fetchedAt sql.NullString
		authors, labels        string
		identifiers            string
		provenance, detail     string
	)

	err := row.Scan(&doc.UID, &doc.Source, &doc.SourceID, &doc.Title, &doc.Text,
		&publishedAt, &fetchedAt, &doc.Language,
		&authors, &labels, &identifiers, &provenance, &detail,
		&doc.License, &doc.Version, &doc.Schema)
	if err != nil {
		return nil, err
	}

	if doc.PublishedAt, err = timePtrFromDB(publishedAt); err != nil {
		return nil, fmt.Errorf("bad published_at: %w", err)
	}
	if doc.FetchedAt, err = timePtrFromDB(fetchedAt); err != nil {
		return nil, fmt.Errorf("bad fetched_at: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &doc.Authors); err != nil {
		return nil, fmt.Errorf("bad authors: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &doc.Labels); err != nil {
		return nil, fmt.Errorf("bad labels: %w", err)
	}
	if err := json.Unmarshal([]byte(identifiers), &doc.Identifiers); err != nil {
		return nil, fmt.Errorf("bad identifiers: %w", err)
	}
	if err := json.Unmarshal([]byte(provenance), &doc.Provenance); err != nil {
		return nil, fmt.Errorf("bad provenance: %w", err)
	}
	if err := json.Unmarshal([]byte(detail), &doc.Detail); err != nil {
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
