// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state persists small key/value records between cycles. The
// backing database is expected to live on storage that resets together
// with the kernel counters (tmpfs on the target router); stale records
// after a reboot would otherwise poison every delta.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"grimm.is/flowmeter/internal/clock"
	"grimm.is/flowmeter/internal/errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New(errors.KindNotFound, "key not found")

// Store is a bucketed key/value store.
type Store interface {
	CreateBucket(name string) error
	Get(bucket, key string) ([]byte, error)
	Set(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	Keys(bucket string) ([]string, error)
	Close() error
}

// Options configures a SQLite store.
type Options struct {
	Path string
}

// DefaultOptions returns options for a database at path. ":memory:"
// yields a throwaway in-memory store.
func DefaultOptions(path string) Options {
	return Options{Path: path}
}

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and its schema.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS buckets (name TEXT PRIMARY KEY);
	CREATE TABLE IF NOT EXISTS entries (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB,
		updated_at DATETIME,
		PRIMARY KEY (bucket, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateBucket(name string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO buckets (name) VALUES (?)`, name)
	return err
}

func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM entries WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO entries (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, value, clock.Now())
	return err
}

func (s *SQLiteStore) Delete(bucket, key string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

func (s *SQLiteStore) Keys(bucket string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM entries WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
