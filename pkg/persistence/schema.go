// Package persistence provides SQLite-based storage for runs, step results,
// consensus sessions, and archived events.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the required schema.
// This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	// Open database connection
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with a simple ping
	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			// Log close error but return the original error
			_ = closeErr
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema with migrations
	if err := initializeSchemaWithMigrations(db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			// Log close error but return the original error
			_ = closeErr
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	// Get current schema version
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}

	// If database is up-to-date, no migration needed
	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	// Run migrations from current version to target version
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		// Update schema version after successful migration
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return migrateToVersion1(db)
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion1 is a no-op: version 1 databases are created whole by createSchema.
func migrateToVersion1(_ *sql.DB) error { return nil }

// migrateToVersion2 adds usage accounting columns to the runs table.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE runs ADD COLUMN tokens_used BIGINT DEFAULT 0",
		"ALTER TABLE runs ADD COLUMN cost_usd DECIMAL(10,4) DEFAULT 0.0",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	// Create tables
	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Runs table: one row per engine run over a plan
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			plan_id TEXT,
			plan_name TEXT NOT NULL DEFAULT '',
			status TEXT DEFAULT 'active' CHECK (status IN ('active','completed','aborted','error','crashed')),
			stop_reason TEXT,
			abort_reason TEXT,
			error TEXT,
			config_json TEXT,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME,
			steps_total INTEGER DEFAULT 0,
			steps_passed INTEGER DEFAULT 0,
			steps_failed INTEGER DEFAULT 0,
			review_timeouts INTEGER DEFAULT 0,
			consensus_sessions INTEGER DEFAULT 0,
			manual_triggers INTEGER DEFAULT 0,
			executed_without_review INTEGER DEFAULT 0,
			sycophancy_flags INTEGER DEFAULT 0,
			tokens_used BIGINT DEFAULT 0,
			cost_usd DECIMAL(10,4) DEFAULT 0.0
		)`,

		// Step results table. A NULL findings_json means the step executed
		// without ever being reviewed.
		`CREATE TABLE IF NOT EXISTS step_results (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_id TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			passes INTEGER NOT NULL DEFAULT 0,
			exec_error TEXT,
			findings_json TEXT,
			consensus_json TEXT,
			executed_without_review INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			completed_at DATETIME,
			PRIMARY KEY (run_id, step_id)
		)`,

		// Consensus session audit table: the full negotiation per session,
		// proposals included
		`CREATE TABLE IF NOT EXISTS consensus_sessions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_id TEXT NOT NULL,
			aligned INTEGER NOT NULL DEFAULT 0,
			rounds INTEGER NOT NULL DEFAULT 0,
			decided_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			similarity REAL NOT NULL DEFAULT 0.0,
			used_escalation INTEGER NOT NULL DEFAULT 0,
			final_decision TEXT NOT NULL DEFAULT '',
			proposals_json TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Events archive table
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			step_id TEXT,
			phase TEXT,
			state TEXT,
			round INTEGER DEFAULT 0,
			message TEXT,
			error TEXT,
			detail_json TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	// Create indices
	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_consensus_run ON consensus_sessions(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_consensus_step ON consensus_sessions(run_id, step_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)",
	}

	// Execute table creation
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Execute index creation
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// Set schema version
	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
