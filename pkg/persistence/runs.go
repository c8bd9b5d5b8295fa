// Package persistence provides SQLite-based storage for runs, step results,
// consensus sessions, and archived events.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pairvibe/pkg/proto"
)

// CreateRun creates a new active run record in the database.
func CreateRun(db *sql.DB, runID, planID, planName, configJSON string) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, plan_id, plan_name, status, config_json)
		VALUES (?, ?, ?, ?, ?)
	`, runID, planID, planName, RunStatusActive, configJSON)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunStatus updates the status and completed_at timestamp of a run.
func UpdateRunStatus(db *sql.DB, runID, status string) error {
	if !IsValidRunStatus(status) {
		return fmt.Errorf("invalid run status %q", status)
	}

	var result sql.Result
	var err error
	if status == RunStatusActive {
		result, err = db.Exec(`
			UPDATE runs SET status = ? WHERE id = ?
		`, status, runID)
	} else {
		result, err = db.Exec(`
			UPDATE runs
			SET status = ?, completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, status, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetLatestRun returns the most recently started run.
// Returns ErrRunNotFound if no runs exist.
func GetLatestRun(db *sql.DB) (*Run, error) {
	runs, err := NewDatabaseOperations(db, "").ListRuns(&RunFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// MarkStaleRuns marks any 'active' runs as 'crashed'.
// This should be called at startup to detect runs that didn't shut down gracefully.
func MarkStaleRuns(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		UPDATE runs
		SET status = ?, completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ?
	`, RunStatusCrashed, RunStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// StatusForStopReason maps an engine stop reason onto a run status.
func StatusForStopReason(reason proto.StopReason) string {
	switch reason {
	case proto.StopCompleted:
		return RunStatusCompleted
	case proto.StopAborted:
		return RunStatusAborted
	case proto.StopError:
		return RunStatusError
	default:
		return RunStatusError
	}
}

// ConfigSnapshotToJSON converts a config struct to JSON for storage.
func ConfigSnapshotToJSON(config interface{}) (string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// ConfigSnapshotFromJSON parses a JSON config snapshot.
func ConfigSnapshotFromJSON(jsonStr string, target interface{}) error {
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
