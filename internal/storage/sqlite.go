package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the queue, share and record tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers in-process; pulls never race a stale
	// WAL snapshot.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
//
// job_queue rows are deleted as they are pulled; the autoincrement seq column
// gives FIFO order. Shares and records are append-only until popped.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_queue (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  id           TEXT NOT NULL UNIQUE,
  campaign_id  TEXT NOT NULL,
  body         BLOB NOT NULL,
  submitted_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_share (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  campaign_id TEXT NOT NULL,
  sequence    INTEGER NOT NULL,
  body        BLOB NOT NULL,
  shared_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS records (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  id             TEXT NOT NULL,
  collection     TEXT NOT NULL,
  source_command TEXT,
  body           JSON NOT NULL,
  created_at     TEXT NOT NULL,
  UNIQUE(collection, id)
);`,
		`CREATE INDEX IF NOT EXISTS job_share_campaign_idx ON job_share(campaign_id, seq);`,
		`CREATE INDEX IF NOT EXISTS records_collection_source_idx ON records(collection, source_command);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
