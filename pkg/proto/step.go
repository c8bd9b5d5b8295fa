// Package proto defines the shared protocol types for pairvibe: plan steps,
// consensus outcomes, run states, and the versioned event stream. Components
// exchange these types rather than package-private shapes so persistence,
// telemetry, and tests all speak one vocabulary.
package proto

import (
	"fmt"
	"time"
)

// Step is one unit of plan work. Its mutable fields follow a single-writer
// discipline: the reviewer writes Findings once, the engine writes Consensus
// once from a finished session, and the executor writes Passes and the
// timestamps once. All access during a run goes through the state.Ledger,
// which serializes field access.
type Step struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Findings is nil until the step has been reviewed. An empty slice means
	// the review raised no concerns; a non-empty slice demands consensus
	// before execution. The nil/empty distinction is load-bearing and must
	// survive serialization, so no omitempty here.
	Findings []string `json:"findings"`

	// Consensus is written once when a consensus session for this step
	// finishes. Immutable afterwards.
	Consensus *ConsensusRecord `json:"consensus,omitempty"`

	Passes                bool       `json:"passes"`
	ExecError             string     `json:"exec_error,omitempty"`
	ExecutedWithoutReview bool       `json:"executed_without_review,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// Reviewed reports whether findings have been recorded for the step,
// empty or not.
func (s *Step) Reviewed() bool {
	return s.Findings != nil
}

// NeedsConsensus reports whether the step carries reviewer concerns, i.e.
// findings are non-nil and non-empty. Whether a session actually runs is the
// engine's call: it skips steps that already carry a consensus record.
func (s *Step) NeedsConsensus() bool {
	return len(s.Findings) > 0
}

// Eligible reports whether the step may be executed: no adverse findings, or
// adverse findings already resolved by a consensus record.
func (s *Step) Eligible() bool {
	return len(s.Findings) == 0 || s.Consensus != nil
}

// Clone returns a copy safe to hand outside the ledger lock. The findings
// slice is copied; the consensus record is shared because it is immutable
// once written.
func (s *Step) Clone() *Step {
	c := *s
	if s.Findings != nil {
		c.Findings = append([]string{}, s.Findings...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Plan is an ordered list of steps plus identifying metadata. Step order is
// execution order; steps are never added or removed during a run.
type Plan struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Steps     []*Step   `json:"steps"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate checks structural soundness: at least one step, every step with a
// unique non-empty ID and a title.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step == nil {
			return fmt.Errorf("plan %q: step %d is nil", p.Name, i)
		}
		if step.ID == "" {
			return fmt.Errorf("plan %q: step %d has no id", p.Name, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("plan %q: duplicate step id %q", p.Name, step.ID)
		}
		seen[step.ID] = true
		if step.Title == "" {
			return fmt.Errorf("plan %q: step %q has no title", p.Name, step.ID)
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, step := range p.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Steps = make([]*Step, len(p.Steps))
	for i, step := range p.Steps {
		c.Steps[i] = step.Clone()
	}
	return &c
}

// ExecResult is what the injected execution callback reports for one step.
type ExecResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
