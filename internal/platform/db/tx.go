package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	pgTxKey  contextKey = "pg_tx"
	sqlTxKey contextKey = "sql_tx"
)

// TxRunner runs fn inside a transaction. Repositories pick the transaction
// up from the context passed to fn.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFromContext returns the PostgreSQL transaction stored in ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(pgTxKey).(pgx.Tx)
	return tx
}

// SQLTxFromContext returns the database/sql transaction stored in ctx, if any.
func SQLTxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(sqlTxKey).(*sql.Tx)
	return tx
}

// PGTxRunner runs transactions on a pgx pool.
type PGTxRunner struct {
	pool *pgxpool.Pool
}

func NewPGTxRunner(pool *pgxpool.Pool) *PGTxRunner {
	return &PGTxRunner{pool: pool}
}

// WithinTx joins an outer transaction when ctx already carries one.
func (r *PGTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, pgTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SQLTxRunner runs transactions on a database/sql handle.
type SQLTxRunner struct {
	db *sql.DB
}

func NewSQLTxRunner(db *sql.DB) *SQLTxRunner {
	return &SQLTxRunner{db: db}
}

func (r *SQLTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if SQLTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqlTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SQLExecutor is satisfied by both *sql.DB and *sql.Tx.
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLConn returns the transaction carried by ctx, or conn.
func SQLConn(ctx context.Context, conn *sql.DB) SQLExecutor {
	if tx := SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return conn
}
