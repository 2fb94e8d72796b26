package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/store"
)

// GetWatermark implements store.WatermarkStore.
func (s *Store) GetWatermark(ctx context.Context, source, term string) (time.Time, bool, error) {
	var position time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT position FROM watermarks WHERE source = $1 AND term = $2`,
		source, term).Scan(&position)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return position, true, nil
}

// SetWatermark implements store.WatermarkStore. The forward-only check
// happens in the upsert predicate so concurrent writers cannot race it
// backwards.
func (s *Store) SetWatermark(ctx context.Context, source, term string, position time.Time) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO watermarks (source, term, position, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source, term) DO UPDATE SET
	position = EXCLUDED.position,
	updated_at = EXCLUDED.updated_at
WHERE watermarks.position <= EXCLUDED.position`,
		source, term, position.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeConflict,
			"watermark for %s/%s would regress to %s",
			source, term, position.Format(time.RFC3339))
	}
	return nil
}

// ForceWatermark implements store.WatermarkStore.
func (s *Store) ForceWatermark(ctx context.Context, source, term string, position time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO watermarks (source, term, position, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source, term) DO UPDATE SET
	position = EXCLUDED.position,
	updated_at = EXCLUDED.updated_at`,
		source, term, position.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to force watermark: %w", err)
	}
	return nil
}

// ListWatermarks implements store.WatermarkStore.
func (s *Store) ListWatermarks(ctx context.Context) ([]*store.Watermark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, term, position, updated_at FROM watermarks ORDER BY source, term`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []*store.Watermark
	for rows.Next() {
		var w store.Watermark
		if err := rows.Scan(&w.Source, &w.Term, &w.Position, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
