package dbx

import (
	"context"
	"database/sql"
	"errors"
)

// Session pins one pooled connection for a long-running worker and keeps
// the statements it prepares on that connection. A Session is owned by a
// single goroutine; nothing in it is shared or locked.
type Session struct {
	conn  *sql.Conn
	stmts map[string]*sql.Stmt
}

// NewSession checks a dedicated connection out of db.
func NewSession(ctx context.Context, db *sql.DB) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, stmts: make(map[string]*sql.Stmt)}, nil
}

func (s *Session) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// Prepared reports how many statements the session currently holds.
func (s *Session) Prepared() int {
	return len(s.stmts)
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext falls back to an unprepared query when preparation fails
// so the error surfaces from Scan, as with *sql.DB.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return s.conn.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// WithTx runs fn in a transaction on the session's connection. Inside fn,
// statements already prepared on the session are rebound to the transaction.
func (s *Session) WithTx(ctx context.Context, opts *sql.TxOptions, fn TxFunc) error {
	tx, err := s.conn.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	return runTx(ctx, tx, &sessionTx{tx: tx, s: s}, fn)
}

// Close releases every prepared statement and returns the connection to
// the pool. It is safe to call more than once.
func (s *Session) Close() error {
	var errs []error
	for q, stmt := range s.stmts {
		errs = append(errs, stmt.Close())
		delete(s.stmts, q)
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return errors.Join(errs...)
}

type sessionTx struct {
	tx *sql.Tx
	s  *Session
}

// stmt returns the session's statement rebound to the transaction, or nil
// when the query was never prepared on this session.
func (t *sessionTx) stmt(ctx context.Context, query string) *sql.Stmt {
	if cached, ok := t.s.stmts[query]; ok {
		return t.tx.StmtContext(ctx, cached)
	}
	return nil
}

func (t *sessionTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if stmt := t.stmt(ctx, query); stmt != nil {
		return stmt.ExecContext(ctx, args...)
	}
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sessionTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if stmt := t.stmt(ctx, query); stmt != nil {
		return stmt.QueryContext(ctx, args...)
	}
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sessionTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if stmt := t.stmt(ctx, query); stmt != nil {
		return stmt.QueryRowContext(ctx, args...)
	}
	return t.tx.QueryRowContext(ctx, query, args...)
}
