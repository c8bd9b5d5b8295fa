package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"pairvibe/pkg/config"
	"pairvibe/pkg/eventlog"
	"pairvibe/pkg/persistence"
	"pairvibe/pkg/proto"
)

// createTestConfig creates a minimal valid config for testing. Metrics stay
// disabled so tests never register Prometheus collectors twice in one process.
func createTestConfig() config.Config {
	return config.Config{
		Agents: &config.AgentConfig{
			ExecutorModel:  config.ModelGPT4o,
			ReviewerModel:  config.ModelClaudeSonnetLatest,
			AlignmentModel: config.ModelGemini25Flash,
		},
		Logs: &config.LogsConfig{RotationCount: 7},
	}
}

func testPlan() *proto.Plan {
	return &proto.Plan{
		ID:   "plan-1",
		Name: "rollout",
		Steps: []*proto.Step{
			{ID: "s1", Title: "Provision database"},
			{ID: "s2", Title: "Deploy service"},
		},
	}
}

// TestNewKernel tests kernel creation and initialization.
func TestNewKernel(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	ctx := context.Background()
	kernel, err := NewKernel(ctx, &cfg, tempDir)

	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if kernel == nil {
		t.Fatal("NewKernel returned nil kernel")
	}

	// Verify kernel components are initialized
	if kernel.Config == nil {
		t.Error("Kernel config is nil")
	}
	if kernel.Logger == nil {
		t.Error("Kernel logger is nil")
	}
	if kernel.Database == nil {
		t.Error("Kernel database is nil")
	}
	if kernel.PersistenceChannel == nil {
		t.Error("Kernel persistence channel is nil")
	}
	if kernel.EventLog == nil {
		t.Error("Kernel event log writer is nil")
	}
	if kernel.Live == nil {
		t.Error("Kernel live sink is nil")
	}
	if kernel.Usage == nil {
		t.Error("Kernel usage tracker is nil")
	}
	if kernel.EventSink() == nil {
		t.Error("Kernel event sink is nil")
	}
	if kernel.RunID == "" {
		t.Error("Kernel run ID is empty")
	}

	// Test cleanup
	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() failed: %v", err)
	}
}

// TestKernelLifecycle tests kernel start/stop lifecycle.
func TestKernelLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	ctx := context.Background()
	kernel, err := NewKernel(ctx, &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	// Test start
	if err := kernel.Start(testPlan()); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	// Verify running state
	if !kernel.running {
		t.Error("Kernel should be in running state after Start()")
	}

	// Test double start (should return error)
	if err := kernel.Start(testPlan()); err == nil {
		t.Error("Kernel.Start() should fail when already running")
	}

	// Test stop
	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() failed: %v", err)
	}

	// Verify stopped state
	if kernel.running {
		t.Error("Kernel should not be in running state after Stop()")
	}

	// Test double stop (should be safe)
	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() should be safe to call multiple times: %v", err)
	}
}

// TestKernelDatabaseInitialization tests database setup.
func TestKernelDatabaseInitialization(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	ctx := context.Background()
	kernel, err := NewKernel(ctx, &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	// Verify database file was created
	dbPath := filepath.Join(tempDir, config.ProjectConfigDir, config.DatabaseFilename)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("Database file was not created at %s", dbPath)
	}

	// Verify database connection works
	if err := kernel.Database.Ping(); err != nil {
		t.Errorf("Database ping failed: %v", err)
	}
}

// TestKernelRunRecord verifies Start creates a run row carrying the plan
// identity and an active status.
func TestKernelRunRecord(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	kernel, err := NewKernel(context.Background(), &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	if err := kernel.Start(testPlan()); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	run, err := kernel.Ops().GetRun(kernel.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != persistence.RunStatusActive {
		t.Errorf("run status = %q, want %q", run.Status, persistence.RunStatusActive)
	}
	if run.PlanID != "plan-1" || run.PlanName != "rollout" {
		t.Errorf("run plan identity = (%q, %q), want (plan-1, rollout)", run.PlanID, run.PlanName)
	}
	if run.ConfigJSON == "" {
		t.Error("run config snapshot is empty")
	}
}

// TestKernelMarksStaleRuns verifies a crashed run (left active) is marked
// crashed when the next kernel starts against the same project.
func TestKernelMarksStaleRuns(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	first, err := NewKernel(context.Background(), &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if err := first.Start(testPlan()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	staleID := first.RunID
	// Stop without completing the run, simulating a crash's leftover row.
	if err := first.Stop(); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}

	second, err := NewKernel(context.Background(), &cfg, tempDir)
	if err != nil {
		t.Fatalf("second NewKernel failed: %v", err)
	}
	defer second.Stop()
	if err := second.Start(testPlan()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	run, err := second.Ops().GetRun(staleID)
	if err != nil {
		t.Fatalf("GetRun(stale) failed: %v", err)
	}
	if run.Status != persistence.RunStatusCrashed {
		t.Errorf("stale run status = %q, want %q", run.Status, persistence.RunStatusCrashed)
	}
	if run.CompletedAt == nil {
		t.Error("stale run should carry a completion timestamp")
	}
}

// TestKernelPersistenceWorker exercises the worker end to end: a write
// request lands in the database and a query request answers on its
// response channel.
func TestKernelPersistenceWorker(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kernel, err := NewKernel(ctx, &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	if err := kernel.Start(testPlan()); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	// Write path: persist a step result through the channel.
	completed := time.Now().UTC()
	step := &proto.Step{
		ID:          "s1",
		Title:       "Provision database",
		Findings:    []string{},
		Passes:      true,
		CompletedAt: &completed,
	}
	persistence.PersistStepResult(kernel.RunID, 0, step, kernel.PersistenceChannel)

	// Query path: round-trip through the worker's response channel.
	response := make(chan interface{}, 1)
	kernel.PersistenceChannel <- &persistence.Request{
		Operation: persistence.OpGetStepResults,
		Data:      kernel.RunID,
		Response:  response,
	}

	select {
	case result := <-response:
		results, ok := result.([]*persistence.StepResult)
		if !ok {
			t.Fatalf("response type = %T, want []*persistence.StepResult", result)
		}
		if len(results) != 1 || results[0].StepID != "s1" {
			t.Errorf("step results = %+v, want one result for s1", results)
		}
		if !results[0].Passes {
			t.Error("step result should record a pass")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for persistence worker response")
	}
}

// TestKernelCompleteRun verifies the completion update survives the
// shutdown drain and lands on the run row.
func TestKernelCompleteRun(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	kernel, err := NewKernel(context.Background(), &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if err := kernel.Start(testPlan()); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	runID := kernel.RunID
	stopReason := string(proto.StopCompleted)
	kernel.CompleteRun(&persistence.CompleteRunRequest{
		Status:     persistence.RunStatusCompleted,
		StopReason: &stopReason,
		Counters:   &persistence.RunCounters{StepsTotal: 2, StepsPassed: 2},
	})

	if err := kernel.Stop(); err != nil {
		t.Fatalf("Kernel.Stop() failed: %v", err)
	}

	// Reopen the database to verify the drain flushed the update.
	dbPath := filepath.Join(tempDir, config.ProjectConfigDir, config.DatabaseFilename)
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()

	run, err := persistence.NewDatabaseOperations(db, runID).GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != persistence.RunStatusCompleted {
		t.Errorf("run status = %q, want %q", run.Status, persistence.RunStatusCompleted)
	}
	if run.StopReason != stopReason {
		t.Errorf("stop reason = %q, want %q", run.StopReason, stopReason)
	}
	if run.StepsTotal != 2 || run.StepsPassed != 2 {
		t.Errorf("counters = (%d, %d), want (2, 2)", run.StepsTotal, run.StepsPassed)
	}
	if run.CompletedAt == nil {
		t.Error("completed run should carry a completion timestamp")
	}
}

// TestKernelEventFanout verifies a published event reaches the live feed,
// the JSONL archive, and the database archive.
func TestKernelEventFanout(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	kernel, err := NewKernel(context.Background(), &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if err := kernel.Start(testPlan()); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	runID := kernel.RunID
	logFile := kernel.EventLog.CurrentLogFile()

	ev := proto.NewStepEvent(proto.EventExecutorCompleted, "s1")
	ev.Message = "step s1 passed"
	kernel.EventSink().Publish(ev)

	// Live feed sees it immediately.
	select {
	case got := <-kernel.LiveEvents():
		if got.Type != proto.EventExecutorCompleted || got.StepID != "s1" {
			t.Errorf("live event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}

	if err := kernel.Stop(); err != nil {
		t.Fatalf("Kernel.Stop() failed: %v", err)
	}

	// JSONL archive has it.
	archived, err := eventlog.ReadEvents(logFile)
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}
	if len(archived) != 1 || archived[0].Type != proto.EventExecutorCompleted {
		t.Errorf("archived events = %+v, want one executor-completed", archived)
	}

	// Database archive has it after the drain.
	dbPath := filepath.Join(tempDir, config.ProjectConfigDir, config.DatabaseFilename)
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()

	records, err := persistence.NewDatabaseOperations(db, runID).GetEvents(&persistence.GetEventsRequest{RunID: runID})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(records) != 1 || records[0].Type != string(proto.EventExecutorCompleted) {
		t.Errorf("database events = %+v, want one executor-completed", records)
	}
	if records[0].StepID != "s1" {
		t.Errorf("database event step = %q, want s1", records[0].StepID)
	}
}

// TestKernelContextCancellation tests proper cleanup on context cancellation.
func TestKernelContextCancellation(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createTestConfig()

	ctx, cancel := context.WithCancel(context.Background())
	kernel, err := NewKernel(ctx, &cfg, tempDir)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	if err := kernel.Start(testPlan()); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	// Cancel the parent and verify the kernel context follows.
	cancel()

	select {
	case <-kernel.Context().Done():
		// Expected - context should be done
	case <-time.After(time.Second):
		t.Error("Kernel context should be done after parent cancellation")
	}
}
