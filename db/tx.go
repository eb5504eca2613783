package db

import (
	"context"
	"database/sql"

	"github.com/teranos/shiftly/errors"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so stores can run the
// same statements inside or outside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// WithTx runs fn inside a transaction. fn's error (or a panic) rolls the
// transaction back; otherwise it is committed. Errors returned by fn are
// passed through unchanged so callers keep their error class.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "commit transaction")
	}
	return nil
}

// ExpectOneRow turns a zero-row UPDATE into errNoMatch.
func ExpectOneRow(res sql.Result, errNoMatch error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapTransient(err, "rows affected")
	}
	if n == 0 {
		return errNoMatch
	}
	return nil
}
