// internal/state/migrate.go
package state

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// Migrate ensures the SQLite schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create threads table: %w", err)
	}

	// seq is the authoritative order within a thread; tool_call_id is NULL
	// for events that do not correlate to a tool call.
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			at TEXT NOT NULL,
			tool_call_id TEXT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (thread_id, seq),
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create events table: %w", err)
	}

	// At most one recorded approval decision per tool call, enforced by the
	// database itself so no application bug can record a second one.
	_, err = tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_approval_response
		ON events(thread_id, tool_call_id)
		WHERE type = 'approval_response';
	`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_events_approval_response: %w", err)
	}

	// At most one terminal result per tool call.
	_, err = tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_tool_result
		ON events(thread_id, tool_call_id)
		WHERE type = 'tool_result';
	`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_events_tool_result: %w", err)
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_events_tool_call_id ON events(thread_id, tool_call_id);`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_events_tool_call_id: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}

	return nil
}
