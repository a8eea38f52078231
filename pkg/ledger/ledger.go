// Package ledger persists the conversation ledger: tenants, projects,
// graphs, agents, conversations, tasks, messages, artifacts, API keys
// and credential references.
//
// Every row except tenants carries tenant_id and every lookup is
// tenant-scoped. A read under the wrong tenant returns ErrNotFound,
// never an authorization error, so existence does not leak across
// tenants.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned for missing rows and for rows owned by a
	// different tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on duplicate ids or duplicate relations.
	ErrConflict = errors.New("conflict")
)

// Store provides tenant-scoped access to the ledger database.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the ledger database at the given DSN and
// initializes the schema. Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	if dsn == ":memory:" {
		// Shared cache keeps the in-memory database alive across pool
		// connections.
		dsn = "file::memory:?cache=shared"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return s, nil
}

// OpenFile opens a file-backed ledger.
func OpenFile(path string) (*Store, error) {
	return Open("file:" + path + "?mode=rwc")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// notFound maps sql.ErrNoRows onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
