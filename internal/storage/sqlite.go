package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// migrations are applied in order and tracked in schema_versions.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS artifacts (
    location     TEXT PRIMARY KEY,
    data         BLOB NOT NULL,
    size         INTEGER NOT NULL,
    modified_at  INTEGER NOT NULL,
    revision     INTEGER NOT NULL DEFAULT 1
);
`,
	},
}

// SQLiteStore keeps one row per location.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, location string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM artifacts WHERE location = ?`, location).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

// Write upserts the row in a transaction so data and marker change together.
func (s *SQLiteStore) Write(ctx context.Context, location string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prevNanos int64
	err = tx.QueryRowContext(ctx, `SELECT modified_at FROM artifacts WHERE location = ?`, location).Scan(&prevNanos)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read marker %s: %w", location, err)
	}
	var prev time.Time
	if prevNanos > 0 {
		prev = time.Unix(0, prevNanos)
	}
	marker := nextMarker(prev)

	_, err = tx.ExecContext(ctx, `
        INSERT INTO artifacts(location, data, size, modified_at, revision)
        VALUES(?, ?, ?, ?, 1)
        ON CONFLICT(location) DO UPDATE SET
            data = excluded.data,
            size = excluded.size,
            modified_at = excluded.modified_at,
            revision = artifacts.revision + 1`,
		location, data, len(data), marker.UnixNano())
	if err != nil {
		return fmt.Errorf("write %s: %w", location, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ModTime(ctx context.Context, location string) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx, `SELECT modified_at FROM artifacts WHERE location = ?`, location).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", location, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// Revision returns how many times location has been written.
func (s *SQLiteStore) Revision(ctx context.Context, location string) (int, error) {
	var rev int
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM artifacts WHERE location = ?`, location).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return rev, err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
