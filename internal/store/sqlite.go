package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/darmiel/cirrus/internal/core"
)

var _ Store = (*SQLite)(nil)

// SQLite stores records in a SQLite database file. Several processes may use
// the same file at once: every Update runs in a single IMMEDIATE transaction,
// which takes the database write lock before the record is read.
type SQLite struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	err    error
	closed bool
}

// NewSQLite returns a store for the database file at path. The file is
// opened on first use.
func NewSQLite(path string) *SQLite {
	return &SQLite{path: path}
}

func (s *SQLite) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + s.path + "?" + q.Encode()
}

// conn opens the database once and returns the memoized handle.
func (s *SQLite) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil || s.err != nil {
		return s.db, s.err
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		s.err = fmt.Errorf("opening sqlite store '%s': %w", s.path, err)
		return nil, s.err
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		// do not memoize: a later call may succeed once the lock is released
		return nil, err
	}
	s.db = db
	return db, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	switch {
	case version == SchemaVersion:
		return nil
	case version > SchemaVersion:
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, SchemaVersion)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS installations (key TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		return fmt.Errorf("creating installations table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, key string) (*core.IdentityRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return getSQLite(ctx, db, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLite(ctx context.Context, q queryer, key string) (*core.IdentityRecord, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM installations WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record '%s': %w", key, err)
	}
	return decodeRecord(raw)
}

func (s *SQLite) Set(ctx context.Context, key string, rec *core.IdentityRecord) error {
	_, err := s.Update(ctx, key, func(*core.IdentityRecord) (*core.IdentityRecord, error) {
		return rec, nil
	})
	return err
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM installations WHERE key = ?`, key); err != nil {
		return fmt.Errorf("removing record '%s': %w", key, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, key string, fn UpdateFunc) (*core.IdentityRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := getSQLite(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	updated, err := fn(old)
	if err != nil {
		return nil, err
	}

	if updated == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM installations WHERE key = ?`, key); err != nil {
			return nil, fmt.Errorf("removing record '%s': %w", key, err)
		}
	} else {
		raw, err := encodeRecord(updated)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO installations (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, raw); err != nil {
			return nil, fmt.Errorf("writing record '%s': %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing record '%s': %w", key, err)
	}
	return updated.Clone(), nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM installations`); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
