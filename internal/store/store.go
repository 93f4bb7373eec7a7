// Package store is the relational persistence layer, backed by Postgres via
// pgx. It owns every atomic multi-row transition in the system:
//
//   - signal claim:            UPDATE … WHERE unlocked … RETURNING
//   - experiment upsert:       INSERT … ON CONFLICT (signal_id) DO NOTHING
//   - entry-order uniqueness:  partial unique index on (signal_id, engine)
//   - paper fill:              trade + order + position in one transaction
//   - exit reservation:        open→closing claimed with a conditional UPDATE
//
// Transactions are short and never span external I/O. Row-level races are
// benign by design: a claim that matches zero rows means another worker got
// there first, reported as ErrRaceLost or a false "created" flag.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Sentinel errors surfaced to callers.
var (
	ErrNotFound = errors.New("store: not found")
	ErrRaceLost = errors.New("store: row claimed by another worker")
)

// Store wraps a pgx connection pool with domain-level operations.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, logger: logger.With("component", "store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity, used by the health monitor.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema applies the embedded schema. Production deployments run the
// external migration runner instead; this exists for dev and test databases.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// nullable maps empty strings to nil so they land as SQL NULL in UUID and
// enum columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
