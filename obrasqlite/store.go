// Package obrasqlite owns the local SQLite database of the construction-site
// app: schema migrations, the tenant-scoped data access layer and the durable
// sync queue that every local mutation feeds.
//
// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single process-wide handle to the local database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
	tables *TableInfoProvider
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store and everything built on it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Result is the outcome of a mutating statement.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Statement is one entry of a Transaction.
type Statement struct {
	Query string
	Args  []any
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Open opens (creating if absent) the database at path. Use ":memory:" for an
// ephemeral database; the store keeps exactly one connection so the in-memory
// database lives as long as the store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
		tables: NewTableInfoProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		`PRAGMA foreign_keys=ON`,
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to test database connection: %w", err)
	}

	s.logger.Debug("database opened", "path", path)
	return s, nil
}

// DB exposes the underlying handle for tooling that needs database/sql directly.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

// Logger returns the store logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Close closes the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Debug("database closed", "path", s.path)
	return nil
}

// Execute runs a mutating statement.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	return execOn(ctx, s.db, query, args)
}

// Select runs a query and returns all rows in order.
func (s *Store) Select(ctx context.Context, query string, args ...any) ([]Row, error) {
	return selectOn(ctx, s.db, query, args)
}

// Transaction applies all statements atomically and returns their results in order.
func (s *Store) Transaction(ctx context.Context, stmts []Statement) ([]Result, error) {
	results := make([]Result, 0, len(stmts))
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, st := range stmts {
			res, err := tx.Execute(ctx, st.Query, st.Args...)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Tx is an open transaction. It is only valid inside the WithTx callback.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// Execute runs a mutating statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	return execOn(ctx, t.tx, query, args)
}

// Select runs a query inside the transaction.
func (t *Tx) Select(ctx context.Context, query string, args ...any) ([]Row, error) {
	return selectOn(ctx, t.tx, query, args)
}

// WithTx runs fn in a transaction, committing when fn returns nil.
// The store holds a single connection: fn must only use tx, never the Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &QueryError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, store: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &QueryError{Op: "commit", Err: err}
	}
	committed = true
	return nil
}

func execOn(ctx context.Context, q querier, query string, args []any) (Result, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, &QueryError{Op: "execute", Query: query, Args: args, Err: err}
	}
	var out Result
	out.RowsAffected, _ = res.RowsAffected()
	out.LastInsertID, _ = res.LastInsertId()
	return out, nil
}

func selectOn(ctx context.Context, q querier, query string, args []any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Op: "select", Query: query, Args: args, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Op: "select", Query: query, Args: args, Err: err}
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{Op: "select", Query: query, Args: args, Err: err}
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "select", Query: query, Args: args, Err: err}
	}
	return out, nil
}

// QueryError is returned by every data access primitive. It carries the
// statement and parameters for diagnostics.
type QueryError struct {
	Op    string
	Query string
	Args  []any
	Err   error
}

func (e *QueryError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("sqlite %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sqlite %s failed: %v (query: %s, args: %v)", e.Op, e.Err, compactSQL(e.Query), e.Args)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsConstraint reports whether err is a SQLite constraint violation.
func IsConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

func compactSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 160 {
		q = q[:157] + "..."
	}
	return q
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) bool { return identRe.MatchString(name) }
