package reviewer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pairvibe/pkg/capability"
	"pairvibe/pkg/events"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/state"
)

func testPlan(n int) *proto.Plan {
	plan := &proto.Plan{Name: "test-plan"}
	for i := 0; i < n; i++ {
		plan.Steps = append(plan.Steps, &proto.Step{
			ID:    "s" + string(rune('1'+i)),
			Title: "step",
		})
	}
	return plan
}

func testConfig() Config {
	return Config{
		MaxLookAhead: 3,
		StepTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

// fixedIndex returns an executor-index provider pinned to i.
func fixedIndex(i int) func() int {
	return func() int { return i }
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestStartRejectsWhenAlreadyRunning(t *testing.T) {
	ledger, err := state.NewLedger(testPlan(5))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	reviews := &capability.ScriptedReviewer{Delay: 50 * time.Millisecond}
	runner := New(ledger, reviews, nil, nil, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()

	waitFor(t, time.Second, func() bool { return runner.State() == StateRunning }, "runner to start")

	if err := runner.Start(context.Background(), fixedIndex(0)); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	runner.Stop()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestWindowBoundsReview(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(6))
	reviews := &capability.ScriptedReviewer{}
	runner := New(ledger, reviews, nil, nil, Config{
		MaxLookAhead: 2,
		PollInterval: 2 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()

	// With the executor pinned at 0 only s2 and s3 are in the window.
	waitFor(t, time.Second, func() bool { return len(reviews.Calls()) == 2 }, "window to be reviewed")
	time.Sleep(20 * time.Millisecond)

	calls := reviews.Calls()
	if len(calls) != 2 || calls[0] != "s2" || calls[1] != "s3" {
		t.Errorf("reviewed steps = %v, want [s2 s3]", calls)
	}
	for _, id := range []string{"s4", "s5", "s6"} {
		if ledger.StepByID(id).Reviewed() {
			t.Errorf("step %s beyond the window was reviewed", id)
		}
	}

	runner.Stop()
	<-done
}

func TestCaughtUpWhenRemainderCovered(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(4))
	reviews := &capability.ScriptedReviewer{}
	collector := events.NewCollector()
	runner := New(ledger, reviews, nil, collector, testConfig())

	var execIdx atomic.Int64
	done := make(chan error, 1)
	go func() {
		done <- runner.Start(context.Background(), func() int { return int(execIdx.Load()) })
	}()

	// Advance the executor so the window eventually covers the whole plan.
	waitFor(t, time.Second, func() bool { return len(reviews.Calls()) >= 3 }, "initial window")
	execIdx.Store(1)

	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if runner.State() != StateStopped {
		t.Errorf("state after catch-up = %s, want STOPPED", runner.State())
	}
	if got := len(collector.ByType(proto.EventReviewerCaughtUp)); got != 1 {
		t.Errorf("caught-up events = %d, want 1", got)
	}
	for _, id := range []string{"s2", "s3", "s4"} {
		if !ledger.StepByID(id).Reviewed() {
			t.Errorf("step %s not reviewed at catch-up", id)
		}
	}
}

func TestSkipsPassingAndPriorFindings(t *testing.T) {
	plan := testPlan(4)
	plan.Steps[1].Passes = true                         // s2
	plan.Steps[2].Findings = []string{"prior concern"}  // s3, from an earlier session
	ledger, _ := state.NewLedger(plan)
	reviews := &capability.ScriptedReviewer{}
	runner := New(ledger, reviews, nil, nil, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}

	calls := reviews.Calls()
	if len(calls) != 1 || calls[0] != "s4" {
		t.Errorf("reviewed steps = %v, want only s4", calls)
	}
	// Prior findings survive untouched.
	if got := ledger.StepByID("s3").Findings; len(got) != 1 || got[0] != "prior concern" {
		t.Errorf("s3 findings = %v, want the prior session's", got)
	}
}

func TestReviewStepTimeout(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(2))
	reviews := &capability.ScriptedReviewer{Delay: 200 * time.Millisecond}
	collector := events.NewCollector()
	runner := New(ledger, reviews, nil, collector, Config{
		MaxLookAhead: 3,
		StepTimeout:  20 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	})

	step := ledger.StepByID("s1")
	outcome := runner.ReviewStep(context.Background(), step)

	if !outcome.TimedOut {
		t.Fatal("expected a timed-out outcome")
	}
	if !strings.Contains(outcome.Error, "timed out") {
		t.Errorf("outcome error = %q, want it to mention the timeout", outcome.Error)
	}
	// The step still counts as reviewed, clean.
	reviewed := ledger.StepByID("s1")
	if !reviewed.Reviewed() {
		t.Error("step should be marked reviewed after a timeout")
	}
	if len(reviewed.Findings) != 0 {
		t.Errorf("findings after timeout = %v, want empty", reviewed.Findings)
	}
	if got := len(collector.ByType(proto.EventReviewerTimeout)); got != 1 {
		t.Errorf("timeout events = %d, want 1", got)
	}
}

func TestReviewErrorIsHandled(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(2))
	reviews := &capability.ScriptedReviewer{Err: errors.New("model unreachable")}
	collector := events.NewCollector()
	runner := New(ledger, reviews, nil, collector, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v, review errors must be non-fatal", err)
	}

	if !ledger.StepByID("s2").Reviewed() {
		t.Error("step should be marked reviewed after a handled failure")
	}
	completed := collector.ByType(proto.EventReviewerCompleted)
	if len(completed) != 1 || !strings.Contains(completed[0].Error, "model unreachable") {
		t.Errorf("completed events = %+v, want one carrying the error", completed)
	}
}

func TestFindingsEmitConsensusNeeded(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(2))
	reviews := &capability.ScriptedReviewer{
		FindingsByStep: map[string][]string{"s2": {"risky migration"}},
	}
	collector := events.NewCollector()
	runner := New(ledger, reviews, nil, collector, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}

	step := ledger.StepByID("s2")
	if len(step.Findings) != 1 || step.Findings[0] != "risky migration" {
		t.Errorf("findings = %v, want the scripted concern", step.Findings)
	}
	needed := collector.ByType(proto.EventConsensusNeeded)
	if len(needed) != 1 || needed[0].StepID != "s2" {
		t.Errorf("consensus-needed events = %+v, want one for s2", needed)
	}
}

func TestPauseAndResume(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(5))
	reviews := &capability.ScriptedReviewer{Delay: 5 * time.Millisecond}
	runner := New(ledger, reviews, nil, nil, Config{
		MaxLookAhead: 1,
		PollInterval: 2 * time.Millisecond,
	})

	var execIdx atomic.Int64
	done := make(chan error, 1)
	go func() {
		done <- runner.Start(context.Background(), func() int { return int(execIdx.Load()) })
	}()

	waitFor(t, time.Second, func() bool { return len(reviews.Calls()) == 1 }, "first review")

	runner.Pause("consensus in session")
	if runner.State() != StatePaused {
		t.Fatalf("state = %s, want PAUSED", runner.State())
	}
	if runner.PauseReason() != "consensus in session" {
		t.Errorf("pause reason = %q", runner.PauseReason())
	}

	// Open the window; the paused loop must not take the new step.
	execIdx.Store(1)
	time.Sleep(30 * time.Millisecond)
	if got := len(reviews.Calls()); got != 1 {
		t.Fatalf("reviews while paused = %d, want still 1", got)
	}

	runner.Resume()
	waitFor(t, time.Second, func() bool { return len(reviews.Calls()) == 2 }, "review after resume")

	// Pause on a non-running runner is a no-op.
	runner.Stop()
	<-done
	runner.Pause("late")
	if runner.State() != StateStopped {
		t.Errorf("state after late pause = %s, want STOPPED", runner.State())
	}
}

func TestStopCancelsInFlightReview(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(3))
	reviews := &capability.ScriptedReviewer{Delay: 500 * time.Millisecond}
	runner := New(ledger, reviews, nil, nil, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()

	waitFor(t, time.Second, func() bool { return runner.CurrentStepID() != "" }, "review to begin")

	stopped := time.Now()
	runner.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if elapsed := time.Since(stopped); elapsed > 200*time.Millisecond {
		t.Errorf("stop took %s, in-flight work was not cancelled", elapsed)
	}
	if runner.CurrentStepID() != "" {
		t.Error("current-step pointer not cleared by Stop")
	}
	// The interrupted step stays unreviewed.
	if ledger.StepByID("s2").Reviewed() {
		t.Error("aborted review should not mark the step reviewed")
	}
}

func TestResetClearsReviewedState(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(2))
	reviews := &capability.ScriptedReviewer{}
	runner := New(ledger, reviews, nil, nil, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()
	<-done

	if err := runner.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if runner.State() != StateIdle {
		t.Errorf("state after reset = %s, want IDLE", runner.State())
	}

	// A fresh Start is legal again after reset.
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()
	if err := <-done; err != nil {
		t.Errorf("Start after reset returned %v", err)
	}
}

func TestResetRejectedWhileRunning(t *testing.T) {
	ledger, _ := state.NewLedger(testPlan(3))
	reviews := &capability.ScriptedReviewer{Delay: 100 * time.Millisecond}
	runner := New(ledger, reviews, nil, nil, testConfig())

	done := make(chan error, 1)
	go func() { done <- runner.Start(context.Background(), fixedIndex(0)) }()
	waitFor(t, time.Second, func() bool { return runner.State() == StateRunning }, "runner to start")

	if err := runner.Reset(); err == nil {
		t.Error("Reset while running should be rejected")
	}

	runner.Stop()
	<-done
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to proto.State
		valid    bool
	}{
		{StateIdle, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StateRunning, StateStopped, true},
		{StatePaused, StateRunning, true},
		{StatePaused, StateStopped, true},
		{StateStopped, StateIdle, true},
		{StateIdle, StatePaused, false},
		{StateStopped, StateRunning, false},
		{StatePaused, StateIdle, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.valid {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}
