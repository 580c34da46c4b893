// Package store persists the build cache state shared by concurrent
// bisection runs. It is the single source of truth for which builds exist,
// which are mid-download, and which are checked out; every check-then-act
// sequence runs as one immediate SQLite transaction so that independent
// processes pointed at the same database never race each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store holds the SQLite state database for a build cache.
type Store struct {
	path string
	sql  *sql.DB
}

// BuildRecord describes one cached build row.
type BuildRecord struct {
	Prefix    string
	Changeset string
	Size      int64
	LastUsed  int64
	Seq       int64
}

// QueueRecord describes one in-flight download row.
type QueueRecord struct {
	Prefix    string
	Changeset string
	PID       int
	StartedAt int64
}

// InUseRecord describes one live checkout row.
type InUseRecord struct {
	Prefix    string
	Changeset string
	Client    string
	PID       int
}

// Open opens the state database at path, creating the file and schema when
// absent. Opening an existing database is equivalent to creating a new one.
// Unwritable paths and corrupt files return an error matching [ErrStorage].
func Open(ctx context.Context, path string) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open store: context is nil")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: open: path is empty", ErrStorage)
	}

	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	err = ensureSchema(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &Store{path: path, sql: db}, nil
}

// Close releases the database handle. It is idempotent; closing an already
// closed store is a no-op.
func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}

	db := s.sql
	s.sql = nil

	err := db.Close()
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrStorage, err)
	}

	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// begin starts an immediate write transaction. The _txlock DSN parameter
// makes BeginTx take the SQLite write lock up front, so the transaction is
// atomic with respect to other processes from its first statement.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s == nil || s.sql == nil {
		return nil, fmt.Errorf("%w: store is not open", ErrStorage)
	}

	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}

	return tx, nil
}

// now is the monotonic-enough clock used for last_used ordering.
func now() int64 {
	return time.Now().UnixNano()
}
