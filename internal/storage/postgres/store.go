// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes that mean the transaction lost a race and may be replayed.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store implements crawler.Store on Postgres. Every transaction runs at
// SERIALIZABLE isolation and is replayed on serialization failures.
type Store struct {
	pool  Pool
	retry *crawler.ExponentialRetryPolicy
}

var _ crawler.Store = (*Store)(nil)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
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
	return NewWithPool(pool, nil)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
// A nil retry policy selects the default conflict retry policy.
func NewWithPool(pool Pool, retry *crawler.ExponentialRetryPolicy) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Store{
		pool:  pool,
		retry: retry,
	}, nil
}

// DefaultRetryPolicy replays serialization failures and deadlocks only.
func DefaultRetryPolicy(opts ...crawler.RetryOption) *crawler.ExponentialRetryPolicy {
	opts = append([]crawler.RetryOption{crawler.WithRetryable(IsConflict)}, opts...)
	return crawler.NewExponentialRetryPolicy(opts...)
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return crawler.StoreErr("ensure schema", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InTx runs fn in a serializable transaction, replaying it when Postgres
// reports a serialization failure or deadlock.
func (s *Store) InTx(ctx context.Context, fn func(tx crawler.Tx) error) error {
	return s.retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			metrics.ObserveStoreRetry()
		}
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx crawler.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return crawler.StoreErr("begin tx", err)
	}
	if err := fn(&tx{tx: pgtx}); err != nil {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, crawler.StoreErr("rollback tx", rbErr))
		}
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return crawler.StoreErr("commit tx", err)
	}
	return nil
}

// IsConflict reports whether err is a replayable transaction conflict.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}
