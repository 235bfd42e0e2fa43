// Package dbx holds the database seam shared by repositories: DBTX, which
// both *sql.DB and *sql.Tx satisfy, and Transactor for running work inside a
// transaction.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReadOnly is the option set for scans that must not write, such as the
// rotation and maintenance listings.
var ReadOnly = &sql.TxOptions{ReadOnly: true}

// DBTX is the subset of database/sql used by the repositories.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction on db. It commits when fn returns nil and
// rolls back when fn fails or panics; a panic is re-raised after the
// rollback. A failed rollback is joined to fn's error.
//
//	err := dbx.WithTx(ctx, db, dbx.ReadOnly, func(ctx context.Context, tx dbx.DBTX) error {
//	    return tx.QueryRowContext(ctx, "SELECT ...").Scan(&n)
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("commit tx: %w", cErr)
		}
	}()

	return fn(ctx, tx)
}

// Transactor runs fn inside a transaction. Services take a Transactor rather
// than *sql.DB so tests can run them against in-memory fakes.
type Transactor interface {
	WithTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) error
}

// SQLTransactor is the database/sql Transactor.
type SQLTransactor struct {
	DB *sql.DB
}

func NewSQLTransactor(db *sql.DB) *SQLTransactor {
	return &SQLTransactor{DB: db}
}

func (t *SQLTransactor) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) error {
	return WithTx(ctx, t.DB, opts, fn)
}
