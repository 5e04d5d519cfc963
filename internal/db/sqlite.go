package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQLite handle of one vault namespace.
type DB struct {
	sql  *sql.DB
	path string
}

// Open initialises a SQLite database at the given path, applies the schema and returns a DB wrapper.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer; keeps ApplyCipherUpdates transactions serialised with other writes.
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := EnsurePerm0600(path); err != nil {
		handle.Close()
		return nil, err
	}

	d := New(handle, path)
	if err := d.Migrate(context.Background()); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an already opened handle without touching the schema.
func New(handle *sql.DB, path string) *DB {
	return &DB{sql: handle, path: path}
}

// Close releases the database resources.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// EnsurePerm0600 sets the database file permissions to owner read/write on Unix systems.
func EnsurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	title       TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	ciphertext  TEXT NOT NULL,
	iv          TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS totp_entries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	issuer      TEXT NOT NULL DEFAULT '',
	ciphertext  TEXT NOT NULL,
	iv          TEXT NOT NULL,
	algorithm   TEXT NOT NULL DEFAULT 'SHA1',
	digits      INTEGER NOT NULL DEFAULT 6,
	period      INTEGER NOT NULL DEFAULT 30,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS access_rules (
	credential_id INTEGER PRIMARY KEY REFERENCES credentials(id) ON DELETE CASCADE,
	enabled       INTEGER NOT NULL DEFAULT 1,
	days          TEXT NOT NULL DEFAULT '',
	start_time    TEXT NOT NULL,
	end_time      TEXT NOT NULL,
	action        TEXT NOT NULL DEFAULT 'hide'
);
`

// Migrate ensures every table exists.
func (d *DB) Migrate(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Clear deletes every record of the namespace in one transaction.
func (d *DB) Clear(ctx context.Context) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM access_rules`,
		`DELETE FROM credentials`,
		`DELETE FROM totp_entries`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear namespace: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
