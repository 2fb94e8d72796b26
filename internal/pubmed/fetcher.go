package pubmed

import (
	"context"
	"time"
)

// Fetcher retrieves raw records from the source for incremental sync.
// The term is an opaque PubMed-style query string passed through
// unmodified; the implementation owns Entrez specifics (paging, API
// keys, rate limits).
//
// Implementations must be safe for concurrent use and must honor
// context cancellation between pages.
type Fetcher interface {
	// FetchWindow streams records whose entry date falls in [from, to],
	// invoking emit for each. Returning an error from emit aborts the
	// fetch.
	FetchWindow(ctx context.Context, term string, from, to time.Time, emit func(*RawRecord) error) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, term string, from, to time.Time, emit func(*RawRecord) error) error

// FetchWindow implements Fetcher.
func (f FetcherFunc) FetchWindow(ctx context.Context, term string, from, to time.Time, emit func(*RawRecord) error) error {
	return f(ctx, term, from, to, emit)
}
