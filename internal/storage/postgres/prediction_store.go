package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

// PredictionStore reads domain predictions from Postgres. It shares the pool
// owned by a TextStore and never closes it.
type PredictionStore struct {
	pool  Pool
	table string
	limit int
}

// NewPredictionStore builds a PredictionStore over pool.
func NewPredictionStore(pool Pool, table string, limit int) (*PredictionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "domain_preds")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return &PredictionStore{pool: pool, table: table, limit: limit}, nil
}

// QueryPredictions returns predictions whose domain ends with domain.
func (s *PredictionStore) QueryPredictions(ctx context.Context, domain string) ([]ingest.Prediction, error) {
	query := fmt.Sprintf(`
SELECT domain, predictions
FROM %s
WHERE domain LIKE $1 ESCAPE '\'
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, suffixPattern(domain), s.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query predictions: %w", ingest.ErrStore, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ingest.Prediction, error) {
		var p ingest.Prediction
		err := row.Scan(&p.Domain, &p.Predictions)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan predictions: %w", ingest.ErrStore, err)
	}
	return out, nil
}
