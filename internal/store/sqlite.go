// ABOUTME: SQLite implementation of HashStore using modernc.org/sqlite
// ABOUTME: One row per (hash, field) with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements HashStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A :memory: database is per-connection, so pin the pool to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Several gateway instances may share the file; wait for their locks.
	if _, err := db.Exec("PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS hash_fields (
			hash       TEXT NOT NULL,
			field      TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (hash, field)
		);

		CREATE INDEX IF NOT EXISTS idx_hash_fields_hash ON hash_fields(hash);
	`

	_, err := s.db.Exec(schema)
	return err
}

// HGet retrieves a single field value.
func (s *SQLiteStore) HGet(ctx context.Context, hash, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM hash_fields WHERE hash = ? AND field = ?`,
		hash, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying hash field: %w", err)
	}
	return value, nil
}

// HSet upserts a single field value.
func (s *SQLiteStore) HSet(ctx context.Context, hash, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hash_fields (hash, field, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash, field) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, hash, field, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting hash field: %w", err)
	}
	return nil
}

// HDel deletes a single field. Absent fields are ignored.
func (s *SQLiteStore) HDel(ctx context.Context, hash, field string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM hash_fields WHERE hash = ? AND field = ?`,
		hash, field,
	)
	if err != nil {
		return fmt.Errorf("deleting hash field: %w", err)
	}
	return nil
}

// HDelIf deletes field only if its stored value equals value.
func (s *SQLiteStore) HDelIf(ctx context.Context, hash, field, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM hash_fields WHERE hash = ? AND field = ? AND value = ?`,
		hash, field, value,
	)
	if err != nil {
		return false, fmt.Errorf("deleting hash field: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking deleted rows: %w", err)
	}
	return n > 0, nil
}

// HLen counts the fields stored under hash.
func (s *SQLiteStore) HLen(ctx context.Context, hash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hash_fields WHERE hash = ?`,
		hash,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting hash fields: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
