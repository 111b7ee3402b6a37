/*
Package postgres provides a PostgreSQL-backed implementation of engine.Store.

PURPOSE:
  Multi-instance persistence. Several API processes may share one
  database; every invariant holds across them because it is enforced by
  row locks and constraints, not by process memory.

ENFORCEMENT:
  - balances CHECK constraints: available = total - consumed - held, all >= 0
  - ledger_entries: sign CHECK, balance_after >= 0, trigger rejects UPDATE/DELETE
  - calendar_slots: EXCLUDE USING gist (subject_id =, tstzrange &&) WHERE booked
  - holds: UNIQUE (subject, service type, idempotency key)

LOCKING:
  Lock* methods use SELECT ... FOR UPDATE. The transaction is carried in
  ctx so nested WithTx calls join it.

MIGRATIONS:
  Embedded SQL files applied in name order under an advisory lock, see
  migrate.go.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/mentor-booking/engine"
)

// Store implements engine.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ engine.Store = (*Store)(nil)

// New connects to dsn, pings and applies migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. Migrations are the caller's job.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txKey struct{}

type txState struct {
	owner *Store
	tx    pgx.Tx
}

func (s *Store) txFromContext(ctx context.Context) pgx.Tx {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.owner == s {
		return st.tx
	}
	return nil
}

// WithTx executes fn within a transaction. Nested calls join the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx engine.Store) error) error {
	if s.txFromContext(ctx) != nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, &txState{owner: s, tx: tx})
	if err := fn(txCtx, s); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// savepoint runs fn in a nested transaction when ctx carries one, so a
// failed statement does not poison the outer transaction.
func (s *Store) savepoint(ctx context.Context, fn func(q querier) error) error {
	tx := s.txFromContext(ctx)
	if tx == nil {
		return fn(s.pool)
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx := s.txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// =============================================================================
// ERRORS
// =============================================================================

const (
	codeUniqueViolation    = "23505"
	codeCheckViolation     = "23514"
	codeExclusionViolation = "23P01"
)

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isUniqueViolation(err error) bool {
	code, _ := pgCode(err)
	return code == codeUniqueViolation
}

func isCheckViolation(err error) bool {
	code, _ := pgCode(err)
	return code == codeCheckViolation
}

func isExclusionViolation(err error) bool {
	code, _ := pgCode(err)
	return code == codeExclusionViolation
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// limitArg maps "no limit" to NULL, which LIMIT treats as ALL.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
