package persistence

import (
	"database/sql"
	"fmt"
)

// initializeSchema ensures the database schema is at the current version.
func initializeSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version == 0 {
		return createSchema(db)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("unsupported schema version %d (current is %d)", version, CurrentSchemaVersion)
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			task_json    TEXT NOT NULL,
			context_json TEXT NOT NULL,
			history_json TEXT NOT NULL,
			revision     INTEGER NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id              TEXT PRIMARY KEY,
			run_id          TEXT NOT NULL,
			kind            TEXT NOT NULL,
			step            TEXT NOT NULL DEFAULT '',
			decision        TEXT NOT NULL DEFAULT '',
			outcome         TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			revision_before INTEGER NOT NULL,
			revision_after  INTEGER NOT NULL,
			diff_json       TEXT NOT NULL DEFAULT '{}',
			timestamp       TEXT NOT NULL,
			UNIQUE(run_id, revision_after),
			FOREIGN KEY(run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run_revision
			ON audit_entries(run_id, revision_after)`,
		`CREATE TABLE IF NOT EXISTS send_receipts (
			run_id     TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			sent_at    TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
