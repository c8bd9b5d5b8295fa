package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Request represents a database operation request.
// This is the interface between the engine's host and the kernel's database worker.
type Request struct {
	Data      interface{}        `json:"data"`      // Operation-specific data payload
	Response  chan<- interface{} `json:"-"`         // Response channel for queries (nil for fire-and-forget writes)
	Operation string             `json:"operation"` // Operation type
}

// Operation constants for Request.
const (
	// Write operations (fire-and-forget).
	OpUpsertRun              = "upsert_run"
	OpCompleteRun            = "complete_run"
	OpUpsertStepResult       = "upsert_step_result"
	OpInsertConsensusSession = "insert_consensus_session"
	OpInsertEvent            = "insert_event"

	// Query operations (with response).
	OpGetRun               = "get_run"
	OpListRuns             = "list_runs"
	OpGetRunSummary        = "get_run_summary"
	OpGetStepResults       = "get_step_results"
	OpGetConsensusSessions = "get_consensus_sessions"
	OpGetEvents            = "get_events"
)

// RunCounters carries the final per-run counters written at completion.
type RunCounters struct {
	StepsTotal            int `json:"steps_total"`
	StepsPassed           int `json:"steps_passed"`
	StepsFailed           int `json:"steps_failed"`
	ReviewTimeouts        int `json:"review_timeouts"`
	ConsensusSessions     int `json:"consensus_sessions"`
	ManualTriggers        int `json:"manual_triggers"`
	ExecutedWithoutReview int `json:"executed_without_review"`
	SycophancyFlags       int `json:"sycophancy_flags"`
}

// CompleteRunRequest represents a run completion update.
type CompleteRunRequest struct {
	Timestamp   time.Time    `json:"timestamp,omitempty"`
	Counters    *RunCounters `json:"counters,omitempty"`
	StopReason  *string      `json:"stop_reason,omitempty"`
	AbortReason *string      `json:"abort_reason,omitempty"`
	Error       *string      `json:"error,omitempty"`
	TokensUsed  *int64       `json:"tokens_used,omitempty"`
	CostUSD     *float64     `json:"cost_usd,omitempty"`
	RunID       string       `json:"run_id"`
	Status      string       `json:"status"`
}

// GetEventsRequest represents an event query.
type GetEventsRequest struct {
	RunID string `json:"run_id"`
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// DatabaseOperations provides methods for database operations.
// This is used by the kernel's database worker goroutine.
type DatabaseOperations struct {
	db    *sql.DB
	runID string
}

// NewDatabaseOperations creates a new DatabaseOperations instance scoped to
// the given run. Methods that take a run ID fall back to this scope when the
// argument is empty.
func NewDatabaseOperations(db *sql.DB, runID string) *DatabaseOperations {
	return &DatabaseOperations{db: db, runID: runID}
}

// scope resolves an explicit run ID against the instance's default.
func (ops *DatabaseOperations) scope(runID string) string {
	if runID == "" {
		return ops.runID
	}
	return runID
}

// UpsertRun inserts or updates a run record.
func (ops *DatabaseOperations) UpsertRun(run *Run) error {
	query := `
		INSERT INTO runs (
			id, plan_id, plan_name, status, stop_reason, abort_reason, error,
			config_json, started_at, completed_at,
			steps_total, steps_passed, steps_failed,
			review_timeouts, consensus_sessions, manual_triggers,
			executed_without_review, sycophancy_flags, tokens_used, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			plan_name = excluded.plan_name,
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			abort_reason = excluded.abort_reason,
			error = excluded.error,
			config_json = excluded.config_json,
			completed_at = excluded.completed_at,
			steps_total = excluded.steps_total,
			steps_passed = excluded.steps_passed,
			steps_failed = excluded.steps_failed,
			review_timeouts = excluded.review_timeouts,
			consensus_sessions = excluded.consensus_sessions,
			manual_triggers = excluded.manual_triggers,
			executed_without_review = excluded.executed_without_review,
			sycophancy_flags = excluded.sycophancy_flags,
			tokens_used = excluded.tokens_used,
			cost_usd = excluded.cost_usd
	`

	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(query,
		run.ID, run.PlanID, run.PlanName, run.Status, run.StopReason,
		run.AbortReason, run.Error, run.ConfigJSON, startedAt, run.CompletedAt,
		run.StepsTotal, run.StepsPassed, run.StepsFailed,
		run.ReviewTimeouts, run.ConsensusSessions, run.ManualTriggers,
		run.ExecutedWithoutReview, run.SycophancyFlags, run.TokensUsed, run.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteRun updates the status, completion timestamp, and final counters of a run.
func (ops *DatabaseOperations) CompleteRun(req *CompleteRunRequest) error {
	if !IsValidRunStatus(req.Status) {
		return fmt.Errorf("invalid run status %q", req.Status)
	}

	// Build the update query dynamically based on what fields are provided
	setParts := []string{"status = ?"}
	args := []interface{}{req.Status}

	// Terminal statuses stamp the completion timestamp
	if req.Status != RunStatusActive {
		setParts = append(setParts, "completed_at = ?")
		timestamp := req.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}
		args = append(args, timestamp)
	}

	if req.StopReason != nil {
		setParts = append(setParts, "stop_reason = ?")
		args = append(args, *req.StopReason)
	}

	if req.AbortReason != nil {
		setParts = append(setParts, "abort_reason = ?")
		args = append(args, *req.AbortReason)
	}

	if req.Error != nil {
		setParts = append(setParts, "error = ?")
		args = append(args, *req.Error)
	}

	if req.Counters != nil {
		setParts = append(setParts,
			"steps_total = ?", "steps_passed = ?", "steps_failed = ?",
			"review_timeouts = ?", "consensus_sessions = ?", "manual_triggers = ?",
			"executed_without_review = ?", "sycophancy_flags = ?",
		)
		args = append(args,
			req.Counters.StepsTotal, req.Counters.StepsPassed, req.Counters.StepsFailed,
			req.Counters.ReviewTimeouts, req.Counters.ConsensusSessions, req.Counters.ManualTriggers,
			req.Counters.ExecutedWithoutReview, req.Counters.SycophancyFlags,
		)
	}

	if req.TokensUsed != nil {
		setParts = append(setParts, "tokens_used = ?")
		args = append(args, *req.TokensUsed)
	}

	if req.CostUSD != nil {
		setParts = append(setParts, "cost_usd = ?")
		args = append(args, *req.CostUSD)
	}

	// Add WHERE clause
	args = append(args, ops.scope(req.RunID))

	//nolint:gosec // Using safe string concatenation for dynamic query building with bounded inputs
	query := `UPDATE runs SET ` + strings.Join(setParts, ", ") + ` WHERE id = ?`

	result, err := ops.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", req.RunID, err)
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

// UpsertStepResult inserts or updates a step result record.
func (ops *DatabaseOperations) UpsertStepResult(result *StepResult) error {
	query := `
		INSERT INTO step_results (
			run_id, step_id, position, title, passes, exec_error,
			findings_json, consensus_json, executed_without_review,
			started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET
			position = excluded.position,
			title = excluded.title,
			passes = excluded.passes,
			exec_error = excluded.exec_error,
			findings_json = excluded.findings_json,
			consensus_json = excluded.consensus_json,
			executed_without_review = excluded.executed_without_review,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := ops.db.Exec(query,
		ops.scope(result.RunID), result.StepID, result.Position, result.Title,
		result.Passes, result.ExecError, result.FindingsJSON, result.ConsensusJSON,
		result.ExecutedWithoutReview, result.StartedAt, result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step result %s: %w", result.StepID, err)
	}
	return nil
}

// InsertConsensusSession inserts a consensus session audit record.
func (ops *DatabaseOperations) InsertConsensusSession(session *ConsensusSession) error {
	if session.ID == "" {
		session.ID = NewRecordID()
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO consensus_sessions (
			id, run_id, step_id, aligned, rounds, decided_by, status,
			similarity, used_escalation, final_decision, proposals_json,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ops.db.Exec(query,
		session.ID, ops.scope(session.RunID), session.StepID, session.Aligned,
		session.Rounds, session.DecidedBy, session.Status, session.Similarity,
		session.UsedEscalation, session.FinalDecision, session.ProposalsJSON,
		session.DurationMS, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert consensus session for step %s: %w", session.StepID, err)
	}
	return nil
}

// InsertEvent inserts an archived event record.
func (ops *DatabaseOperations) InsertEvent(record *EventRecord) error {
	if record.ID == "" {
		record.ID = NewRecordID()
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT OR IGNORE INTO events (
			id, run_id, type, step_id, phase, state, round,
			message, error, detail_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ops.db.Exec(query,
		record.ID, ops.scope(record.RunID), record.Type, record.StepID,
		record.Phase, record.State, record.Round, record.Message,
		record.Error, record.DetailJSON, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", record.ID, err)
	}
	return nil
}

// GetRun returns a run by its ID.
func (ops *DatabaseOperations) GetRun(runID string) (*Run, error) {
	query := `
		SELECT id, plan_id, plan_name, status, stop_reason, abort_reason, error,
		       config_json, started_at, completed_at,
		       steps_total, steps_passed, steps_failed,
		       review_timeouts, consensus_sessions, manual_triggers,
		       executed_without_review, sycophancy_flags, tokens_used, cost_usd
		FROM runs WHERE id = ?
	`

	run := &Run{}
	var planID, stopReason, abortReason, runErr, configJSON sql.NullString
	err := ops.db.QueryRow(query, ops.scope(runID)).Scan(
		&run.ID, &planID, &run.PlanName, &run.Status, &stopReason,
		&abortReason, &runErr, &configJSON, &run.StartedAt, &run.CompletedAt,
		&run.StepsTotal, &run.StepsPassed, &run.StepsFailed,
		&run.ReviewTimeouts, &run.ConsensusSessions, &run.ManualTriggers,
		&run.ExecutedWithoutReview, &run.SycophancyFlags, &run.TokensUsed, &run.CostUSD,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	run.PlanID = planID.String
	run.StopReason = stopReason.String
	run.AbortReason = abortReason.String
	run.Error = runErr.String
	run.ConfigJSON = configJSON.String

	return run, nil
}

// ListRuns returns runs matching the given filter criteria, most recent first.
func (ops *DatabaseOperations) ListRuns(filter *RunFilter) ([]*Run, error) {
	query := `
		SELECT id, plan_id, plan_name, status, stop_reason, abort_reason, error,
		       config_json, started_at, completed_at,
		       steps_total, steps_passed, steps_failed,
		       review_timeouts, consensus_sessions, manual_triggers,
		       executed_without_review, sycophancy_flags, tokens_used, cost_usd
		FROM runs WHERE 1=1
	`
	var args []interface{}

	if filter != nil && filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}

	query += " ORDER BY started_at DESC"

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			// Log error but don't override the main error
			_ = closeErr
		}
	}()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var planID, stopReason, abortReason, runErr, configJSON sql.NullString
		err := rows.Scan(
			&run.ID, &planID, &run.PlanName, &run.Status, &stopReason,
			&abortReason, &runErr, &configJSON, &run.StartedAt, &run.CompletedAt,
			&run.StepsTotal, &run.StepsPassed, &run.StepsFailed,
			&run.ReviewTimeouts, &run.ConsensusSessions, &run.ManualTriggers,
			&run.ExecutedWithoutReview, &run.SycophancyFlags, &run.TokensUsed, &run.CostUSD,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.PlanID = planID.String
		run.StopReason = stopReason.String
		run.AbortReason = abortReason.String
		run.Error = runErr.String
		run.ConfigJSON = configJSON.String
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return runs, nil
}

// GetRunSummary returns aggregated outcomes for a run.
func (ops *DatabaseOperations) GetRunSummary(runID string) (*RunSummary, error) {
	runID = ops.scope(runID)
	summary := &RunSummary{RunID: runID}

	usageQuery := `SELECT tokens_used, cost_usd FROM runs WHERE id = ?`
	err := ops.db.QueryRow(usageQuery, runID).Scan(&summary.TotalTokens, &summary.TotalCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage for run %s: %w", runID, err)
	}

	stepQuery := `
		SELECT
			run_id,
			COUNT(*) as total_steps,
			SUM(CASE WHEN passes = 1 THEN 1 ELSE 0 END) as passed_steps,
			SUM(CASE WHEN passes = 0 THEN 1 ELSE 0 END) as failed_steps,
			SUM(CASE WHEN findings_json IS NULL THEN 1 ELSE 0 END) as unreviewed_steps
		FROM step_results
		WHERE run_id = ?
		GROUP BY run_id
	`
	err = ops.db.QueryRow(stepQuery, runID).Scan(
		&summary.RunID,
		&summary.TotalSteps,
		&summary.PassedSteps,
		&summary.FailedSteps,
		&summary.UnreviewedSteps,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		// No step results yet is not an error
		return nil, fmt.Errorf("failed to get step summary for run %s: %w", runID, err)
	}

	consensusQuery := `
		SELECT
			run_id,
			COUNT(*) as sessions,
			SUM(CASE WHEN aligned = 1 THEN 1 ELSE 0 END) as aligned_sessions
		FROM consensus_sessions
		WHERE run_id = ?
		GROUP BY run_id
	`
	err = ops.db.QueryRow(consensusQuery, runID).Scan(
		&summary.RunID,
		&summary.ConsensusSessions,
		&summary.AlignedSessions,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get consensus summary for run %s: %w", runID, err)
	}

	// Aggregates over a DATETIME column lose the declared type, so fetch the
	// latest completion as a plain column instead of MAX()
	lastQuery := `
		SELECT completed_at FROM step_results
		WHERE run_id = ? AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1
	`
	err = ops.db.QueryRow(lastQuery, runID).Scan(&summary.LastCompleted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get last completion for run %s: %w", runID, err)
	}

	return summary, nil
}

// GetStepResults returns all step results for a run in plan order.
func (ops *DatabaseOperations) GetStepResults(runID string) ([]*StepResult, error) {
	query := `
		SELECT run_id, step_id, position, title, passes, exec_error,
		       findings_json, consensus_json, executed_without_review,
		       started_at, completed_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := ops.db.Query(query, ops.scope(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query step results for run %s: %w", runID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			// Log error but don't override the main error
			_ = closeErr
		}
	}()

	var results []*StepResult
	for rows.Next() {
		result := &StepResult{}
		var execError sql.NullString
		err := rows.Scan(
			&result.RunID, &result.StepID, &result.Position, &result.Title,
			&result.Passes, &execError, &result.FindingsJSON, &result.ConsensusJSON,
			&result.ExecutedWithoutReview, &result.StartedAt, &result.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		result.ExecError = execError.String
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return results, nil
}

// GetConsensusSessions returns all consensus session records for a run in
// chronological order.
func (ops *DatabaseOperations) GetConsensusSessions(runID string) ([]*ConsensusSession, error) {
	query := `
		SELECT id, run_id, step_id, aligned, rounds, decided_by, status,
		       similarity, used_escalation, final_decision, proposals_json,
		       duration_ms, created_at
		FROM consensus_sessions
		WHERE run_id = ?
		ORDER BY created_at ASC
	`

	rows, err := ops.db.Query(query, ops.scope(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query consensus sessions for run %s: %w", runID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			// Log error but don't override the main error
			_ = closeErr
		}
	}()

	var sessions []*ConsensusSession
	for rows.Next() {
		session := &ConsensusSession{}
		var proposalsJSON sql.NullString
		err := rows.Scan(
			&session.ID, &session.RunID, &session.StepID, &session.Aligned,
			&session.Rounds, &session.DecidedBy, &session.Status, &session.Similarity,
			&session.UsedEscalation, &session.FinalDecision, &proposalsJSON,
			&session.DurationMS, &session.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consensus session: %w", err)
		}
		session.ProposalsJSON = proposalsJSON.String
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return sessions, nil
}

// GetEvents returns archived events for a run in chronological order.
func (ops *DatabaseOperations) GetEvents(req *GetEventsRequest) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, type, step_id, phase, state, round,
		       message, error, detail_json, created_at
		FROM events
		WHERE run_id = ?
	`
	args := []interface{}{ops.scope(req.RunID)}

	if req.Type != "" {
		query += " AND type = ?"
		args = append(args, req.Type)
	}

	query += " ORDER BY created_at ASC"

	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for run %s: %w", req.RunID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			// Log error but don't override the main error
			_ = closeErr
		}
	}()

	var records []*EventRecord
	for rows.Next() {
		record := &EventRecord{}
		var stepID, phase, state, message, errText, detailJSON sql.NullString
		err := rows.Scan(
			&record.ID, &record.RunID, &record.Type, &stepID, &phase, &state,
			&record.Round, &message, &errText, &detailJSON, &record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		record.StepID = stepID.String
		record.Phase = phase.String
		record.State = state.String
		record.Message = message.String
		record.Error = errText.String
		record.DetailJSON = detailJSON.String
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}
