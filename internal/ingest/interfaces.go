package ingest

import "context"

// IndexClient queries the third-party crawl index.
type IndexClient interface {
	Lookup(ctx context.Context, domain string, limit int) ([]IndexEntry, error)
}

// TextStore reads and writes cleaned text rows.
type TextStore interface {
	// QueryByDomain returns rows whose domain ends with the given domain.
	QueryByDomain(ctx context.Context, domain string) ([]StoredRow, error)
	// InsertRow stores a single row. A natural-key collision returns ErrDuplicate.
	InsertRow(ctx context.Context, row NormalizedRow) error
	Ping(ctx context.Context) error
	Close()
}

// PredictionStore reads domain predictions.
type PredictionStore interface {
	QueryPredictions(ctx context.Context, domain string) ([]Prediction, error)
}
