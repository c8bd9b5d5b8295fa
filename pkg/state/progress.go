package state

import (
	"sync"
	"time"

	"pairvibe/pkg/proto"
)

// StepStatus is the coarse per-step progress state reported to callers.
type StepStatus string

const (
	// StepPending - not executed yet.
	StepPending StepStatus = "pending"

	// StepExecuting - the executor is on this step right now.
	StepExecuting StepStatus = "executing"

	// StepPassed - executed successfully (or already passing at load).
	StepPassed StepStatus = "passed"

	// StepFailed - executed and failed.
	StepFailed StepStatus = "failed"
)

// Progress tracks per-step status and run counters. The engine is the only
// writer; snapshots go to callers and telemetry.
type Progress struct {
	mu       sync.RWMutex
	statuses map[string]StepStatus
	order    []string

	executorIndex int
	startedAt     time.Time

	reviewTimeouts        int
	consensusSessions     int
	manualTriggers        int
	executedWithoutReview int
	sycophancyFlags       int
}

// Snapshot is a point-in-time view of run progress.
type Snapshot struct {
	Total           int                   `json:"total"`
	Passed          int                   `json:"passed"`
	Failed          int                   `json:"failed"`
	Pending         int                   `json:"pending"`
	ExecutorIndex   int                   `json:"executor_index"`
	PercentComplete float64               `json:"percent_complete"`
	Elapsed         time.Duration         `json:"elapsed"`
	Statuses        map[string]StepStatus `json:"statuses"`

	ReviewTimeouts        int `json:"review_timeouts"`
	ConsensusSessions     int `json:"consensus_sessions"`
	ManualTriggers        int `json:"manual_triggers"`
	ExecutedWithoutReview int `json:"executed_without_review"`
	SycophancyFlags       int `json:"sycophancy_flags"`
}

// NewProgress initializes per-step tracking for every step of the plan.
// Steps already passing at load are counted as passed immediately.
func NewProgress(plan *proto.Plan) *Progress {
	p := &Progress{
		statuses:  make(map[string]StepStatus, len(plan.Steps)),
		order:     make([]string, 0, len(plan.Steps)),
		startedAt: time.Now().UTC(),
	}
	for _, step := range plan.Steps {
		p.order = append(p.order, step.ID)
		if step.Passes {
			p.statuses[step.ID] = StepPassed
		} else {
			p.statuses[step.ID] = StepPending
		}
	}
	return p
}

// SetExecutorIndex records the executor's current position.
func (p *Progress) SetExecutorIndex(i int) {
	p.mu.Lock()
	p.executorIndex = i
	p.mu.Unlock()
}

// ExecutorIndex returns the executor's current position.
func (p *Progress) ExecutorIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.executorIndex
}

// SetStatus updates a step's progress status.
func (p *Progress) SetStatus(id string, status StepStatus) {
	p.mu.Lock()
	if _, ok := p.statuses[id]; ok {
		p.statuses[id] = status
	}
	p.mu.Unlock()
}

// IncReviewTimeouts counts a review that timed out while the executor waited.
func (p *Progress) IncReviewTimeouts() {
	p.mu.Lock()
	p.reviewTimeouts++
	p.mu.Unlock()
}

// IncConsensusSessions counts a consensus session the engine ran.
func (p *Progress) IncConsensusSessions() {
	p.mu.Lock()
	p.consensusSessions++
	p.mu.Unlock()
}

// IncManualTriggers counts an operator-forced consensus request.
func (p *Progress) IncManualTriggers() {
	p.mu.Lock()
	p.manualTriggers++
	p.mu.Unlock()
}

// IncExecutedWithoutReview counts a step executed before its review landed.
func (p *Progress) IncExecutedWithoutReview() {
	p.mu.Lock()
	p.executedWithoutReview++
	p.mu.Unlock()
}

// AddSycophancyFlags accumulates risk flags raised by consensus sessions.
func (p *Progress) AddSycophancyFlags(n int) {
	p.mu.Lock()
	p.sycophancyFlags += n
	p.mu.Unlock()
}

// Snapshot returns a copy of the current progress.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := Snapshot{
		Total:         len(p.order),
		ExecutorIndex: p.executorIndex,
		Elapsed:       time.Since(p.startedAt),
		Statuses:      make(map[string]StepStatus, len(p.statuses)),

		ReviewTimeouts:        p.reviewTimeouts,
		ConsensusSessions:     p.consensusSessions,
		ManualTriggers:        p.manualTriggers,
		ExecutedWithoutReview: p.executedWithoutReview,
		SycophancyFlags:       p.sycophancyFlags,
	}
	for id, status := range p.statuses {
		snap.Statuses[id] = status
		switch status {
		case StepPassed:
			snap.Passed++
		case StepFailed:
			snap.Failed++
		case StepPending, StepExecuting:
			snap.Pending++
		}
	}
	if snap.Total > 0 {
		snap.PercentComplete = float64(snap.Passed+snap.Failed) / float64(snap.Total) * 100
	}
	return snap
}
