package pubmed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxSpoolLine bounds one NDJSON record on the spool.
const maxSpoolLine = 4 << 20

// FileFetcher reads records from an NDJSON spool directory: one file
// per term, one decoded record per line. It stands in for a live
// Entrez client in air-gapped deployments and batch backfills; the
// upstream export job owns the Entrez specifics.
type FileFetcher struct {
	dir string
}

// NewFileFetcher creates a fetcher over the given spool directory.
func NewFileFetcher(dir string) *FileFetcher {
	return &FileFetcher{dir: dir}
}

var _ Fetcher = (*FileFetcher)(nil)

// spoolRecord is the wire shape of one spool line.
type spoolRecord struct {
	Fields    map[string]any `json:"fields"`
	EntryDate time.Time      `json:"entry_date"`
	RevisedAt *time.Time     `json:"revised_at,omitempty"`
	RawURI    string         `json:"raw_uri,omitempty"`
}

// FetchWindow implements Fetcher. Records outside [from, to] by entry
// date are skipped; a malformed line aborts the fetch so a corrupt
// spool never half-ingests silently.
func (f *FileFetcher) FetchWindow(ctx context.Context, term string, from, to time.Time, emit func(*RawRecord) error) error {
	path := filepath.Join(f.dir, spoolFileName(term))
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open spool for term %q: %w", term, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), maxSpoolLine)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var rec spoolRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("spool %s line %d: %w", path, line, err)
		}
		if rec.EntryDate.Before(from) || rec.EntryDate.After(to) {
			continue
		}

		if err := emit(&RawRecord{
			Fields:    rec.Fields,
			EntryDate: rec.EntryDate,
			RevisedAt: rec.RevisedAt,
			RawURI:    rec.RawURI,
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read spool %s: %w", path, err)
	}
	return nil
}

// spoolFileName maps a term onto a safe file name.
func spoolFileName(term string) string {
	var b strings.Builder
	for _, r := range term {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + ".ndjson"
}
