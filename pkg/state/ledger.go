// Package state holds the run-scoped mutable state of a plan execution: the
// step ledger both loops share, and the progress tracker the engine reports
// from.
package state

import (
	"fmt"
	"sync"
	"time"

	"pairvibe/pkg/proto"
)

// Ledger owns the steps of one run. Each mutable step field has exactly one
// writer role (reviewer writes findings, the engine writes consensus and
// execution results), but reads and writes still interleave across
// goroutines, so all access is serialized here. Readers receive clones and
// tolerate staleness; the loops poll rather than block.
type Ledger struct {
	mu       sync.RWMutex
	plan     *proto.Plan
	byID     map[string]*proto.Step
	onMutate func(*proto.Plan)
}

// NewLedger builds a ledger over a validated plan. The plan is referenced,
// not copied: the ledger becomes its sole writer for the duration of a run.
func NewLedger(plan *proto.Plan) (*Ledger, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	byID := make(map[string]*proto.Step, len(plan.Steps))
	for _, step := range plan.Steps {
		byID[step.ID] = step
	}
	return &Ledger{plan: plan, byID: byID}, nil
}

// SetOnMutate registers a hook invoked with a plan snapshot after every step
// mutation. The hook runs outside the ledger lock; the engine wires it to the
// injected save hook.
func (l *Ledger) SetOnMutate(hook func(*proto.Plan)) {
	l.mu.Lock()
	l.onMutate = hook
	l.mu.Unlock()
}

// Len returns the number of steps.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.plan.Steps)
}

// StepAt returns a clone of the step at index i, or nil when out of range.
func (l *Ledger) StepAt(i int) *proto.Step {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.plan.Steps) {
		return nil
	}
	return l.plan.Steps[i].Clone()
}

// StepByID returns a clone of the step with the given id, or nil.
func (l *Ledger) StepByID(id string) *proto.Step {
	l.mu.RLock()
	defer l.mu.RUnlock()
	step := l.byID[id]
	if step == nil {
		return nil
	}
	return step.Clone()
}

// Snapshot returns a deep copy of the current plan, safe to serialize while
// the run continues.
func (l *Ledger) Snapshot() *proto.Plan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.plan.Clone()
}

// SetFindings records review findings for a step. Reviewer role. Findings are
// write-once within a run: a second attempt is rejected so a buggy caller
// cannot overwrite review history.
func (l *Ledger) SetFindings(id string, findings []string) error {
	l.mu.Lock()
	step := l.byID[id]
	if step == nil {
		l.mu.Unlock()
		return fmt.Errorf("unknown step id %q", id)
	}
	if step.Findings != nil {
		l.mu.Unlock()
		return fmt.Errorf("findings already set for step %q", id)
	}
	if findings == nil {
		findings = []string{}
	}
	step.Findings = append([]string{}, findings...)
	l.mu.Unlock()

	l.notifyMutate()
	return nil
}

// InjectFinding appends a synthetic finding to a step, initializing findings
// when the step is unreviewed. Engine role, used by the manual consensus
// trigger.
func (l *Ledger) InjectFinding(id, finding string) error {
	l.mu.Lock()
	step := l.byID[id]
	if step == nil {
		l.mu.Unlock()
		return fmt.Errorf("unknown step id %q", id)
	}
	step.Findings = append(step.Findings, finding)
	l.mu.Unlock()

	l.notifyMutate()
	return nil
}

// SetConsensus records the outcome of a consensus session on a step.
// Engine role. Write-once.
func (l *Ledger) SetConsensus(id string, record *proto.ConsensusRecord) error {
	if record == nil {
		return fmt.Errorf("nil consensus record for step %q", id)
	}
	l.mu.Lock()
	step := l.byID[id]
	if step == nil {
		l.mu.Unlock()
		return fmt.Errorf("unknown step id %q", id)
	}
	if step.Consensus != nil {
		l.mu.Unlock()
		return fmt.Errorf("consensus already recorded for step %q", id)
	}
	step.Consensus = record
	l.mu.Unlock()

	l.notifyMutate()
	return nil
}

// MarkExecuted records the execution outcome and timestamps for a step.
// Engine role.
func (l *Ledger) MarkExecuted(id string, res *proto.ExecResult, startedAt, completedAt time.Time, withoutReview bool) error {
	l.mu.Lock()
	step := l.byID[id]
	if step == nil {
		l.mu.Unlock()
		return fmt.Errorf("unknown step id %q", id)
	}
	step.Passes = res.Success
	step.ExecError = res.Error
	step.ExecutedWithoutReview = withoutReview
	start, done := startedAt, completedAt
	step.StartedAt = &start
	step.CompletedAt = &done
	l.mu.Unlock()

	l.notifyMutate()
	return nil
}

// notifyMutate hands a fresh snapshot to the mutation hook, if any.
func (l *Ledger) notifyMutate() {
	l.mu.RLock()
	hook := l.onMutate
	var snap *proto.Plan
	if hook != nil {
		snap = l.plan.Clone()
	}
	l.mu.RUnlock()

	if hook != nil {
		hook(snap)
	}
}
