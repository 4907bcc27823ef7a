package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Connection pool limits to prevent file descriptor exhaustion
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// WithTx runs fn inside a transaction, rolling back on error. State
// mutations and their audit rows must commit together, so the engine wraps
// each mutation+history pair in one of these.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Source calendars table
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			source_id TEXT UNIQUE NOT NULL,
			source_type TEXT NOT NULL DEFAULT 'unknown',
			display_name TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			sync_enabled INTEGER NOT NULL DEFAULT 1,
			sync_errors INTEGER NOT NULL DEFAULT 0,
			last_sync_time DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sources_priority ON sources(priority)`,

		// Event mappings table
		`CREATE TABLE IF NOT EXISTS event_mappings (
			id TEXT PRIMARY KEY,
			source_ref TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			source_change_key TEXT,
			target_uid TEXT NOT NULL,
			target_href TEXT,
			target_etag TEXT,
			event_subject TEXT,
			event_start DATETIME,
			event_end DATETIME,
			is_all_day INTEGER NOT NULL DEFAULT 0,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			recurrence_rule TEXT,
			sync_status TEXT NOT NULL DEFAULT 'synced',
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_synced_at DATETIME,
			source_event_data TEXT,
			target_event_data TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME,
			FOREIGN KEY (source_ref) REFERENCES sources(id) ON DELETE CASCADE
		)`,

		// Uniqueness is scoped to live rows: a create after a soft delete
		// inserts a fresh row, the deleted row stays for audit.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_live_source_event
			ON event_mappings(source_ref, source_event_id) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_status ON event_mappings(source_ref, sync_status, deleted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_target_uid ON event_mappings(target_uid)`,

		// Sync history table (append-only audit)
		`CREATE TABLE IF NOT EXISTS sync_history (
			id TEXT PRIMARY KEY,
			mapping_ref TEXT,
			source_ref TEXT NOT NULL,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			source_event_id TEXT,
			target_uid TEXT,
			details TEXT,
			error_message TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			request_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (source_ref) REFERENCES sources(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_history_source_ref ON sync_history(source_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_history_created_at ON sync_history(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_history_operation ON sync_history(operation, status)`,

		// Conflict resolutions table
		`CREATE TABLE IF NOT EXISTS conflict_resolutions (
			id TEXT PRIMARY KEY,
			mapping_ref TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			strategy TEXT NOT NULL,
			version_a TEXT,
			version_b TEXT,
			resolved TEXT,
			details TEXT,
			resolved_by TEXT NOT NULL DEFAULT 'system',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (mapping_ref) REFERENCES event_mappings(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conflicts_mapping_ref ON conflict_resolutions(mapping_ref)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint") || strings.Contains(errStr, "constraint failed")
}
