// Package dbx provides tiny DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by *sql.DB, *sql.Tx and Session,
// and helpers to run functions inside a transaction.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by our repos.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxFunc is the unit of work handed to WithTx.
type TxFunc func(ctx context.Context, tx DBTX) error

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    return repos.Outbox(tx).Complete(ctx, id, lease, rev)
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	return runTx(ctx, tx, tx, fn)
}

// InTx runs fn in a transaction on h. A Session or *sql.DB starts one; any
// other handle is taken to be transactional already and runs fn directly.
func InTx(ctx context.Context, h DBTX, fn TxFunc) error {
	switch v := h.(type) {
	case *Session:
		return v.WithTx(ctx, nil, fn)
	case *sql.DB:
		return WithTx(ctx, v, nil, fn)
	default:
		return fn(ctx, h)
	}
}

func runTx(ctx context.Context, tx *sql.Tx, handle DBTX, fn TxFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, handle)
	return err
}
