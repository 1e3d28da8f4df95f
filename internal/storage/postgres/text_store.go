package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

const uniqueViolation = "23505"

// TextStore reads and writes cleaned text rows in Postgres.
type TextStore struct {
	pool  Pool
	table string
	limit int
}

// NewTextStore builds a TextStore over pool. The store owns the pool and closes it on Close.
func NewTextStore(pool Pool, table string, limit int) (*TextStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "url")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return &TextStore{pool: pool, table: table, limit: limit}, nil
}

// Close releases the underlying pool resources.
func (s *TextStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *TextStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %w", ingest.ErrStore, err)
	}
	return nil
}

// QueryByDomain returns up to the configured limit of rows whose domain ends with domain.
func (s *TextStore) QueryByDomain(ctx context.Context, domain string) ([]ingest.StoredRow, error) {
	query := fmt.Sprintf(`
SELECT domain, created, text, is_accompanying, url
FROM %s
WHERE domain LIKE $1 ESCAPE '\'
ORDER BY id
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, suffixPattern(domain), s.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query text rows: %w", ingest.ErrStore, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ingest.StoredRow, error) {
		var r ingest.StoredRow
		err := row.Scan(&r.Domain, &r.Created, &r.Text, &r.IsAccompanying, &r.URL)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan text rows: %w", ingest.ErrStore, err)
	}
	return out, nil
}

// InsertRow inserts a single row. A natural-key collision returns ingest.ErrDuplicate.
func (s *TextStore) InsertRow(ctx context.Context, row ingest.NormalizedRow) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	domain,
	created,
	text,
	is_accompanying,
	url
) VALUES (
	$1,$2,$3,$4,$5
)`, s.table)

	_, err := s.pool.Exec(ctx, query, row.Domain, row.Created, row.Text, row.IsAccompanying, row.URL)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ingest.ErrDuplicate
	}
	return fmt.Errorf("%w: insert text row: %w", ingest.ErrStore, err)
}
