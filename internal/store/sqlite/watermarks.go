package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/store"
)

// GetWatermark implements store.WatermarkStore.
func (s *Store) GetWatermark(ctx context.Context, source, term string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM watermarks WHERE source = ? AND term = ?`,
		source, term).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}

	position, err := timeFromDB(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad watermark position: %w", err)
	}
	return position, true, nil
}

// SetWatermark implements store.WatermarkStore. Positions only move
// forward.
func (s *Store) SetWatermark(ctx context.Context, source, term string, position time.Time) error {
	existing, found, err := s.GetWatermark(ctx, source, term)
	if err != nil {
		return err
	}
	if found && position.Before(existing) {
		return errors.Newf(errors.CodeConflict,
			"watermark for %s/%s would regress from %s to %s",
			source, term, existing.Format(time.RFC3339), position.Format(time.RFC3339))
	}
	return s.ForceWatermark(ctx, source, term, position)
}

// ForceWatermark implements store.WatermarkStore.
func (s *Store) ForceWatermark(ctx context.Context, source, term string, position time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO watermarks (source, term, position, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(source, term) DO UPDATE SET
	position = excluded.position,
	updated_at = excluded.updated_at`,
		source, term, timeToDB(position), timeToDB(s.now()))
	if err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}

// ListWatermarks implements store.WatermarkStore.
func (s *Store) ListWatermarks(ctx context.Context) ([]*store.Watermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, term, position, updated_at FROM watermarks ORDER BY source, term`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []*store.Watermark
	for rows.Next() {
		var w store.Watermark
		var position, updatedAt string
		if err := rows.Scan(&w.Source, &w.Term, &position, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		if w.Position, err = timeFromDB(position); err != nil {
			return nil, fmt.Errorf("bad watermark position: %w", err)
		}
		if w.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
			return nil, fmt.Errorf("bad watermark updated_at: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
