// Package history provides Postgres-backed persistence for accepted script
// versions.
package history

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signd/internal/signing"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StoreConfig controls the Postgres connection pool used for version rows.
type StoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes script version rows into Postgres.
type Store struct {
	pool  execCloser
	table string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "script_versions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &Store{
		pool:  pool,
		table: table,
	}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "script_versions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordVersion inserts a script version row into Postgres.
func (s *Store) RecordVersion(ctx context.Context, v signing.ScriptVersion) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if v.Hash == "" {
		return fmt.Errorf("version hash is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	hash,
	size_bytes,
	loaded_at,
	submitted_by
) VALUES (
	$1,$2,$3,$4
)`, s.table)

	if _, err := s.pool.Exec(ctx, query, v.Hash, v.Size, v.LoadedAt, v.SubmittedBy); err != nil {
		return fmt.Errorf("insert script version: %w", err)
	}
	return nil
}

// NoOpStore discards version records; used when no DSN is configured.
type NoOpStore struct{}

// RecordVersion does nothing and returns nil.
func (NoOpStore) RecordVersion(_ context.Context, _ signing.ScriptVersion) error { return nil }

// Close does nothing.
func (NoOpStore) Close() {}
