// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultQueryLimit = 200

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by the stores.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Connect opens a pool using the provided config.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the text and predictions tables and the natural-key
// index that makes text inserts idempotent.
func EnsureSchema(ctx context.Context, pool Pool, dataTable, predictionsTable string) error {
	for _, table := range []string{dataTable, predictionsTable} {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	domain TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	text TEXT NOT NULL,
	is_accompanying BOOLEAN NOT NULL,
	url TEXT NOT NULL
)`, dataTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_natural_key ON %s (domain, url, md5(text))`, dataTable, dataTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	domain TEXT NOT NULL,
	predictions TEXT NOT NULL
)`, predictionsTable),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// suffixPattern builds a LIKE pattern matching values that end with domain.
func suffixPattern(domain string) string {
	return "%" + escapeLike(domain)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func checkTable(table, fallback string) (string, error) {
	if table == "" {
		table = fallback
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
