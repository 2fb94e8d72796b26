package pubmed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpool(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileFetcher_WindowFilter(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "diabetes.ndjson",
		`{"fields":{"source_id":"1","title":"Early","text":"Entered before the window opened."},"entry_date":"2024-01-01T00:00:00Z"}
{"fields":{"source_id":"2","title":"Inside","text":"Entered inside the requested window."},"entry_date":"2024-02-01T00:00:00Z"}

{"fields":{"source_id":"3","title":"Late","text":"Entered after the window closed."},"entry_date":"2024-03-01T00:00:00Z"}
`)

	f := NewFileFetcher(dir)
	var got []*RawRecord
	err := f.FetchWindow(context.Background(), "diabetes",
		time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
		func(rec *RawRecord) error {
			got = append(got, rec)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Fields["source_id"])
}

func TestFileFetcher_TermMapsToSafeFileName(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "diabetes_AND_metformin.ndjson",
		`{"fields":{"source_id":"1","title":"T","text":"Spool file names replace unsafe characters."},"entry_date":"2024-02-01T00:00:00Z"}`)

	f := NewFileFetcher(dir)
	count := 0
	err := f.FetchWindow(context.Background(), "diabetes AND metformin",
		time.Time{}, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		func(*RawRecord) error { count++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFileFetcher_MalformedLineAborts(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "q.ndjson", `{"fields":{"source_id":"1"`)

	f := NewFileFetcher(dir)
	err := f.FetchWindow(context.Background(), "q",
		time.Time{}, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		func(*RawRecord) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestFileFetcher_MissingSpoolErrors(t *testing.T) {
	f := NewFileFetcher(t.TempDir())
	err := f.FetchWindow(context.Background(), "nope",
		time.Time{}, time.Now(), func(*RawRecord) error { return nil })
	assert.Error(t, err)
}
