// Package store provides the durable local database for the sync engine.
//
// The database runs embedded SQLite with WAL mode so queue writes from the
// sync worker never block status reads. It holds three keyspaces that must
// survive process restart:
//
//   - mutation_queue:   pending remote writes (one row per queue item)
//   - local_tombstones: permanently deleted entity ids, mirrored locally
//   - sync_cursors:     per-project delta-sync cursor timestamps
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/gridwell/gridsync/internal/model"
)

// DB wraps the embedded SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the durable store at the given path.
//
// ":memory:" opens an in-memory database, used by tests. The caller MUST
// call Close() when done.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if path != ":memory:" {
		connStr = fmt.Sprintf("file:%s", path)
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer (the sync worker) plus status readers.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Close closes the connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutation_queue (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		project_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		position INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS local_tombstones (
		project_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		PRIMARY KEY (collection, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tombstones_project
		ON local_tombstones(project_id, collection);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		project_id TEXT PRIMARY KEY,
		last_sync_at TEXT NOT NULL
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// IsQuota reports whether err is a storage-quota failure. The retry queue
// runs its shrink strategy when a persist fails this way.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "disk I/O error")
}

// SaveQueue replaces the persisted queue with the given snapshot, in
// order. The write runs in one transaction: either the whole snapshot is
// durable or the previous one remains.
func (db *DB) SaveQueue(ctx context.Context, items []*model.MutationItem) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mutation_queue"); err != nil {
		return fmt.Errorf("failed to clear queue table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mutation_queue (id, entity_type, operation, payload, project_id, retry_count, created_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare queue insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		_, err := stmt.ExecContext(ctx,
			item.ID,
			string(item.EntityType),
			string(item.Operation),
			string(item.Payload),
			item.ProjectID,
			item.RetryCount,
			item.CreatedAt.UTC().Format(time.RFC3339Nano),
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert queue item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue save: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted queue in its saved order.
func (db *DB) LoadQueue(ctx context.Context) ([]*model.MutationItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, entity_type, operation, payload, project_id, retry_count, created_at
		FROM mutation_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []*model.MutationItem
	for rows.Next() {
		var (
			item      model.MutationItem
			et, op    string
			payload   string
			projectID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&item.ID, &et, &op, &payload, &projectID, &item.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.EntityType = model.EntityType(et)
		item.Operation = model.Operation(op)
		item.Payload = json.RawMessage(payload)
		item.ProjectID = projectID.String
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", item.ID, err)
		}
		item.CreatedAt = ts
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue rows: %w", err)
	}
	return items, nil
}
