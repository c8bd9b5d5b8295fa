package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairvibe/pkg/proto"
	"pairvibe/pkg/search"
)

// Scripted capabilities return predefined answers for tests and dry runs, in
// the same queue-consuming style as llm's mock client.

// ScriptedReviewer returns canned analyses keyed by step ID.
type ScriptedReviewer struct {
	mu sync.Mutex

	// FindingsByStep maps step ID to the findings to report. Steps not in
	// the map review clean.
	FindingsByStep map[string][]string

	// Err, when set, fails every Analyze call.
	Err error

	// Delay is how long each Analyze blocks before answering, honoring ctx.
	Delay time.Duration

	calls []string
}

// Analyze implements Reviewer.
func (r *ScriptedReviewer) Analyze(ctx context.Context, step *proto.Step, _ []search.Result) (*Analysis, error) {
	if err := wait(ctx, r.Delay); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, step.ID)

	if r.Err != nil {
		return nil, r.Err
	}
	findings := r.FindingsByStep[step.ID]
	if findings == nil {
		findings = []string{}
	}
	return &Analysis{
		Findings:  append([]string{}, findings...),
		Reasoning: "scripted review",
	}, nil
}

// Calls returns the step IDs reviewed so far, in order.
func (r *ScriptedReviewer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

// ScriptedProposer consumes a queue of drafts and errors, one per call.
type ScriptedProposer struct {
	mu sync.Mutex

	// Drafts are returned in order. When the queue empties, the last draft
	// repeats; an empty queue fails every call.
	Drafts []*Draft

	// Errs, when non-nil at the call's index, fail that call instead.
	Errs []error

	// Delay is how long each call blocks before answering, honoring ctx.
	Delay time.Duration

	calls     int
	escalated int
}

// GenerateProposal implements Proposer.
func (p *ScriptedProposer) GenerateProposal(ctx context.Context, step *proto.Step, _ []string, escalate bool, _ []search.Result) (*Draft, error) {
	if err := wait(ctx, p.Delay); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.calls
	p.calls++
	if escalate {
		p.escalated++
	}

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return nil, p.Errs[idx]
	}
	if len(p.Drafts) == 0 {
		return nil, fmt.Errorf("scripted proposer: no draft for step %s", step.ID)
	}
	if idx >= len(p.Drafts) {
		idx = len(p.Drafts) - 1
	}
	d := *p.Drafts[idx]
	return &d, nil
}

// Calls returns how many proposals were requested.
func (p *ScriptedProposer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// EscalatedCalls returns how many of those were escalation requests.
func (p *ScriptedProposer) EscalatedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escalated
}

// ScriptedAligner consumes a queue of alignment verdicts, one per call. The
// last verdict repeats when the queue empties.
type ScriptedAligner struct {
	mu sync.Mutex

	Verdicts []*Alignment
	Errs     []error

	calls int
	pairs [][2]string
}

// CheckAlignment implements Aligner.
func (a *ScriptedAligner) CheckAlignment(_ context.Context, proposalA, proposalB string) (*Alignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.calls
	a.calls++
	a.pairs = append(a.pairs, [2]string{proposalA, proposalB})

	if idx < len(a.Errs) && a.Errs[idx] != nil {
		return nil, a.Errs[idx]
	}
	if len(a.Verdicts) == 0 {
		return nil, fmt.Errorf("scripted aligner: no verdict queued")
	}
	if idx >= len(a.Verdicts) {
		idx = len(a.Verdicts) - 1
	}
	v := *a.Verdicts[idx]
	return &v, nil
}

// Calls returns how many alignment checks ran.
func (a *ScriptedAligner) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Pairs returns the proposal pairs each check received, in call order.
func (a *ScriptedAligner) Pairs() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]string{}, a.pairs...)
}

// ScriptedExecutor reports canned execution outcomes keyed by step ID.
type ScriptedExecutor struct {
	mu sync.Mutex

	// FailSteps maps step ID to the error to report. Steps not in the map
	// succeed.
	FailSteps map[string]string

	// Err, when set, fails every ExecuteStep call outright.
	Err error

	// Delay is how long each call blocks before answering, honoring ctx.
	Delay time.Duration

	calls []string
}

// ExecuteStep implements Executor.
func (e *ScriptedExecutor) ExecuteStep(ctx context.Context, step *proto.Step) (*Execution, error) {
	if err := wait(ctx, e.Delay); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, step.ID)

	if e.Err != nil {
		return nil, e.Err
	}
	if msg, ok := e.FailSteps[step.ID]; ok {
		return &Execution{Success: false, Error: msg}, nil
	}
	return &Execution{Success: true, Summary: "scripted execution"}, nil
}

// Calls returns the step IDs executed so far, in order.
func (e *ScriptedExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.calls...)
}

// wait sleeps for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
