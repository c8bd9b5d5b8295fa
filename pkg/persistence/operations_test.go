package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairvibe/pkg/proto"
)

// Helper function to create a new database for each test.
func createTestDB(t *testing.T) (*DatabaseOperations, func()) {
	tempDir, err := os.MkdirTemp("", "persistence_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")

	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	// Use test-run as run ID for all test operations
	return NewDatabaseOperations(db, "test-run"), cleanup
}

// createTestRun inserts a minimal active run so foreign keys resolve.
func createTestRun(t *testing.T, ops *DatabaseOperations, runID string) {
	t.Helper()
	run := &Run{
		ID:       runID,
		PlanName: "test plan",
		Status:   RunStatusActive,
	}
	if err := ops.UpsertRun(run); err != nil {
		t.Fatalf("Failed to create run %s: %v", runID, err)
	}
}

func TestDatabaseOperations(t *testing.T) {
	t.Run("RunOperations", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		runID := NewRecordID()
		run := &Run{
			ID:         runID,
			PlanID:     "plan-7",
			PlanName:   "Checkout refactor",
			Status:     RunStatusActive,
			StepsTotal: 5,
		}

		if err := ops.UpsertRun(run); err != nil {
			t.Fatalf("Failed to upsert run: %v", err)
		}

		retrieved, err := ops.GetRun(runID)
		if err != nil {
			t.Fatalf("Failed to get run: %v", err)
		}
		if retrieved.PlanName != run.PlanName {
			t.Errorf("Expected plan name %q, got %q", run.PlanName, retrieved.PlanName)
		}
		if retrieved.Status != RunStatusActive {
			t.Errorf("Expected status %q, got %q", RunStatusActive, retrieved.Status)
		}
		if retrieved.CompletedAt != nil {
			t.Error("Active run should have no completion timestamp")
		}
		if retrieved.StartedAt.IsZero() {
			t.Error("Run should have a started_at timestamp")
		}

		// Upsert again with updated counters, same ID
		run.StepsPassed = 4
		run.StepsFailed = 1
		if err := ops.UpsertRun(run); err != nil {
			t.Fatalf("Failed to re-upsert run: %v", err)
		}
		retrieved, err = ops.GetRun(runID)
		if err != nil {
			t.Fatalf("Failed to get run after update: %v", err)
		}
		if retrieved.StepsPassed != 4 || retrieved.StepsFailed != 1 {
			t.Errorf("Expected counters 4/1, got %d/%d", retrieved.StepsPassed, retrieved.StepsFailed)
		}

		_, err = ops.GetRun("no-such-run")
		if !errors.Is(err, ErrRunNotFound) {
			t.Errorf("Expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("CompleteRun", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		runID := NewRecordID()
		createTestRun(t, ops, runID)

		stopReason := string(proto.StopCompleted)
		tokens := int64(12345)
		cost := 0.42
		req := &CompleteRunRequest{
			RunID:      runID,
			Status:     RunStatusCompleted,
			StopReason: &stopReason,
			TokensUsed: &tokens,
			CostUSD:    &cost,
			Counters: &RunCounters{
				StepsTotal:        3,
				StepsPassed:       2,
				StepsFailed:       1,
				ConsensusSessions: 1,
			},
		}

		if err := ops.CompleteRun(req); err != nil {
			t.Fatalf("Failed to complete run: %v", err)
		}

		retrieved, err := ops.GetRun(runID)
		if err != nil {
			t.Fatalf("Failed to get completed run: %v", err)
		}
		if retrieved.Status != RunStatusCompleted {
			t.Errorf("Expected status %q, got %q", RunStatusCompleted, retrieved.Status)
		}
		if retrieved.StopReason != stopReason {
			t.Errorf("Expected stop reason %q, got %q", stopReason, retrieved.StopReason)
		}
		if retrieved.CompletedAt == nil {
			t.Error("Completed run should have a completion timestamp")
		}
		if retrieved.StepsTotal != 3 || retrieved.StepsPassed != 2 || retrieved.StepsFailed != 1 {
			t.Errorf("Counters not persisted: total=%d passed=%d failed=%d",
				retrieved.StepsTotal, retrieved.StepsPassed, retrieved.StepsFailed)
		}
		if retrieved.TokensUsed != tokens {
			t.Errorf("Expected %d tokens, got %d", tokens, retrieved.TokensUsed)
		}
		if retrieved.CostUSD != cost {
			t.Errorf("Expected cost %f, got %f", cost, retrieved.CostUSD)
		}

		// Invalid status rejected
		if err := ops.CompleteRun(&CompleteRunRequest{RunID: runID, Status: "finished"}); err == nil {
			t.Error("Expected error for invalid status")
		}

		// Missing run reported
		err = ops.CompleteRun(&CompleteRunRequest{RunID: "no-such-run", Status: RunStatusAborted})
		if !errors.Is(err, ErrRunNotFound) {
			t.Errorf("Expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		early := &Run{ID: "run-early", PlanName: "first", Status: RunStatusCompleted,
			StartedAt: time.Now().UTC().Add(-time.Hour)}
		late := &Run{ID: "run-late", PlanName: "second", Status: RunStatusActive,
			StartedAt: time.Now().UTC()}
		for _, r := range []*Run{early, late} {
			if err := ops.UpsertRun(r); err != nil {
				t.Fatalf("Failed to upsert run %s: %v", r.ID, err)
			}
		}

		runs, err := ops.ListRuns(nil)
		if err != nil {
			t.Fatalf("Failed to list runs: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("Expected 2 runs, got %d", len(runs))
		}
		if runs[0].ID != "run-late" {
			t.Errorf("Expected most recent run first, got %s", runs[0].ID)
		}

		active := RunStatusActive
		runs, err = ops.ListRuns(&RunFilter{Status: &active})
		if err != nil {
			t.Fatalf("Failed to filter runs: %v", err)
		}
		if len(runs) != 1 || runs[0].ID != "run-late" {
			t.Errorf("Status filter returned wrong runs: %+v", runs)
		}

		runs, err = ops.ListRuns(&RunFilter{Limit: 1})
		if err != nil {
			t.Fatalf("Failed to limit runs: %v", err)
		}
		if len(runs) != 1 {
			t.Errorf("Expected 1 run with limit, got %d", len(runs))
		}
	})

	t.Run("StepResultOperations", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		runID := "test-run"
		createTestRun(t, ops, runID)

		started := time.Now().UTC().Add(-time.Minute)
		completed := time.Now().UTC()
		reviewed := &proto.Step{
			ID:          "s1",
			Title:       "Add null check",
			Findings:    []string{"missing nil guard in decoder"},
			Passes:      true,
			StartedAt:   &started,
			CompletedAt: &completed,
		}
		unreviewed := &proto.Step{
			ID:                    "s2",
			Title:                 "Wire config",
			Passes:                false,
			ExecError:             "exit status 1",
			ExecutedWithoutReview: true,
		}

		first, err := StepResultFromStep(runID, 0, reviewed)
		if err != nil {
			t.Fatalf("Failed to convert reviewed step: %v", err)
		}
		second, err := StepResultFromStep(runID, 1, unreviewed)
		if err != nil {
			t.Fatalf("Failed to convert unreviewed step: %v", err)
		}

		// Insert out of order to prove position ordering
		if err := ops.UpsertStepResult(second); err != nil {
			t.Fatalf("Failed to upsert step result: %v", err)
		}
		if err := ops.UpsertStepResult(first); err != nil {
			t.Fatalf("Failed to upsert step result: %v", err)
		}

		results, err := ops.GetStepResults(runID)
		if err != nil {
			t.Fatalf("Failed to get step results: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("Expected 2 step results, got %d", len(results))
		}
		if results[0].StepID != "s1" || results[1].StepID != "s2" {
			t.Errorf("Results out of plan order: %s, %s", results[0].StepID, results[1].StepID)
		}

		findings, err := results[0].Findings()
		if err != nil {
			t.Fatalf("Failed to decode findings: %v", err)
		}
		if len(findings) != 1 || findings[0] != "missing nil guard in decoder" {
			t.Errorf("Findings roundtrip failed: %v", findings)
		}
		if results[0].StartedAt == nil || results[0].CompletedAt == nil {
			t.Error("Timestamps should survive the roundtrip")
		}

		// Unreviewed step keeps NULL findings, distinct from empty
		if results[1].FindingsJSON != nil {
			t.Errorf("Unreviewed step should have nil findings, got %q", *results[1].FindingsJSON)
		}
		if !results[1].ExecutedWithoutReview {
			t.Error("ExecutedWithoutReview flag lost")
		}
		if results[1].ExecError != "exit status 1" {
			t.Errorf("Expected exec error preserved, got %q", results[1].ExecError)
		}

		// Re-upsert updates in place
		first.Passes = false
		if err := ops.UpsertStepResult(first); err != nil {
			t.Fatalf("Failed to re-upsert step result: %v", err)
		}
		results, err = ops.GetStepResults(runID)
		if err != nil {
			t.Fatalf("Failed to re-read step results: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("Upsert created a duplicate row: %d results", len(results))
		}
		if results[0].Passes {
			t.Error("Updated passes flag not persisted")
		}
	})

	t.Run("ConsensusSessionOperations", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		runID := "test-run"
		createTestRun(t, ops, runID)

		result := &proto.ConsensusResult{
			StepID:        "s3",
			Aligned:       true,
			FinalDecision: "use a prepared statement and bind the id",
			DecidedBy:     proto.DecidedByConsensus,
			Rounds:        2,
			Proposals: []*proto.Proposal{
				{Round: 1, Label: proto.LabelA, Content: "bind the id", Source: proto.SourceExecutor},
				{Round: 1, Label: proto.LabelB, Content: "escape the id", Source: proto.SourceReviewer},
			},
			ProposalSimilarity: 0.81,
			Status:             proto.ConsensusResolved,
			DurationMS:         4200,
			Timestamp:          time.Now().UTC(),
		}

		session, err := ConsensusSessionFromResult(runID, result)
		if err != nil {
			t.Fatalf("Failed to convert consensus result: %v", err)
		}
		if session.ID == "" {
			t.Fatal("Conversion should assign a session ID")
		}

		if err := ops.InsertConsensusSession(session); err != nil {
			t.Fatalf("Failed to insert consensus session: %v", err)
		}

		sessions, err := ops.GetConsensusSessions(runID)
		if err != nil {
			t.Fatalf("Failed to get consensus sessions: %v", err)
		}
		if len(sessions) != 1 {
			t.Fatalf("Expected 1 session, got %d", len(sessions))
		}

		got := sessions[0]
		if !got.Aligned || got.Rounds != 2 || got.DecidedBy != string(proto.DecidedByConsensus) {
			t.Errorf("Session fields lost: %+v", got)
		}
		if got.Similarity != 0.81 {
			t.Errorf("Expected similarity 0.81, got %f", got.Similarity)
		}

		proposals, err := got.Proposals()
		if err != nil {
			t.Fatalf("Failed to decode proposals: %v", err)
		}
		if len(proposals) != 2 {
			t.Fatalf("Expected 2 proposals, got %d", len(proposals))
		}
		if proposals[0].Label != proto.LabelA || proposals[1].Label != proto.LabelB {
			t.Errorf("Proposal labels lost: %v, %v", proposals[0].Label, proposals[1].Label)
		}
		// Provenance never reaches storage
		for _, p := range proposals {
			if p.Source != "" {
				t.Errorf("Proposal source leaked into storage: %q", p.Source)
			}
		}
	})

	t.Run("EventOperations", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		runID := "test-run"
		createTestRun(t, ops, runID)

		started := proto.NewStepEvent(proto.EventExecutorStarted, "s1")
		started.Phase = proto.PhaseExecute
		started.SetDetail(proto.KeyIndex, 0)

		completed := proto.NewStepEvent(proto.EventExecutorCompleted, "s1")
		completed.Phase = proto.PhaseExecute
		completed.SetDetail(proto.KeyPasses, true)

		for _, ev := range []*proto.Event{started, completed} {
			record, err := EventRecordFromProto(runID, ev)
			if err != nil {
				t.Fatalf("Failed to convert event: %v", err)
			}
			if err := ops.InsertEvent(record); err != nil {
				t.Fatalf("Failed to insert event: %v", err)
			}
		}

		records, err := ops.GetEvents(&GetEventsRequest{RunID: runID})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(records))
		}

		records, err = ops.GetEvents(&GetEventsRequest{
			RunID: runID,
			Type:  string(proto.EventExecutorCompleted),
		})
		if err != nil {
			t.Fatalf("Failed to filter events: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("Expected 1 filtered event, got %d", len(records))
		}
		if records[0].StepID != "s1" || records[0].Phase != string(proto.PhaseExecute) {
			t.Errorf("Event fields lost: %+v", records[0])
		}
		if records[0].DetailJSON == "" {
			t.Error("Event detail should be archived as JSON")
		}

		// Re-inserting the same event ID is a no-op, not an error
		dup, err := EventRecordFromProto(runID, started)
		if err != nil {
			t.Fatalf("Failed to re-convert event: %v", err)
		}
		if err := ops.InsertEvent(dup); err != nil {
			t.Fatalf("Duplicate event insert should be ignored: %v", err)
		}
	})

	t.Run("RunSummary", func(t *testing.T) {
		ops, cleanup := createTestDB(t)
		defer cleanup()

		runID := "test-run"
		createTestRun(t, ops, runID)

		completed := time.Now().UTC()
		steps := []*StepResult{
			{RunID: runID, StepID: "s1", Position: 0, Passes: true,
				FindingsJSON: jsonPtr(`["finding"]`), CompletedAt: &completed},
			{RunID: runID, StepID: "s2", Position: 1, Passes: true,
				FindingsJSON: jsonPtr(`[]`), CompletedAt: &completed},
			{RunID: runID, StepID: "s3", Position: 2, Passes: false},
		}
		for _, s := range steps {
			if err := ops.UpsertStepResult(s); err != nil {
				t.Fatalf("Failed to upsert step result: %v", err)
			}
		}

		session := &ConsensusSession{
			ID: NewRecordID(), RunID: runID, StepID: "s1",
			Aligned: true, Rounds: 1, DecidedBy: string(proto.DecidedByConsensus),
			Status: string(proto.ConsensusResolved),
		}
		if err := ops.InsertConsensusSession(session); err != nil {
			t.Fatalf("Failed to insert consensus session: %v", err)
		}

		summary, err := ops.GetRunSummary(runID)
		if err != nil {
			t.Fatalf("Failed to get run summary: %v", err)
		}
		if summary.TotalSteps != 3 {
			t.Errorf("Expected 3 total steps, got %d", summary.TotalSteps)
		}
		if summary.PassedSteps != 2 || summary.FailedSteps != 1 {
			t.Errorf("Expected 2 passed / 1 failed, got %d/%d", summary.PassedSteps, summary.FailedSteps)
		}
		if summary.UnreviewedSteps != 1 {
			t.Errorf("Expected 1 unreviewed step, got %d", summary.UnreviewedSteps)
		}
		if summary.ConsensusSessions != 1 || summary.AlignedSessions != 1 {
			t.Errorf("Expected 1/1 consensus sessions, got %d/%d",
				summary.ConsensusSessions, summary.AlignedSessions)
		}
		if summary.LastCompleted == nil {
			t.Error("Expected a last completion timestamp")
		}

		// Empty run yields a zero summary, not an error
		emptyID := NewRecordID()
		createTestRun(t, ops, emptyID)
		summary, err = ops.GetRunSummary(emptyID)
		if err != nil {
			t.Fatalf("Failed to get empty run summary: %v", err)
		}
		if summary.TotalSteps != 0 || summary.LastCompleted != nil {
			t.Errorf("Empty run summary not zero: %+v", summary)
		}

		_, err = ops.GetRunSummary("no-such-run")
		if !errors.Is(err, ErrRunNotFound) {
			t.Errorf("Expected ErrRunNotFound, got %v", err)
		}
	})
}

func TestRunScopeFallback(t *testing.T) {
	ops, cleanup := createTestDB(t)
	defer cleanup()

	// The ops instance is scoped to "test-run"; empty run IDs resolve to it
	createTestRun(t, ops, "test-run")

	step := &StepResult{StepID: "s1", Position: 0, Passes: true}
	if err := ops.UpsertStepResult(step); err != nil {
		t.Fatalf("Failed to upsert scoped step result: %v", err)
	}

	results, err := ops.GetStepResults("")
	if err != nil {
		t.Fatalf("Failed to get scoped step results: %v", err)
	}
	if len(results) != 1 || results[0].RunID != "test-run" {
		t.Errorf("Scope fallback failed: %+v", results)
	}

	run, err := ops.GetRun("")
	if err != nil {
		t.Fatalf("Failed to get scoped run: %v", err)
	}
	if run.ID != "test-run" {
		t.Errorf("Expected scoped run, got %s", run.ID)
	}
}

func TestSchemaMigration(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "persistence_migration_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "test.db")

	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", CurrentSchemaVersion, version)
	}
	db.Close()

	// Re-initialization is idempotent
	db, err = InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to re-initialize database: %v", err)
	}
	defer db.Close()

	version, err = GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("Failed to get schema version after reopen: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d after reopen, got %d", CurrentSchemaVersion, version)
	}
}

func jsonPtr(s string) *string {
	return &s
}
