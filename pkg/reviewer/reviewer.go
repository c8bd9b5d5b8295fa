// Package reviewer implements the lookahead review loop. The runner scans
// steps ahead of the executor's position, invokes the review capability on
// each unreviewed step within the window, and records findings on the step
// ledger. Timeouts and capability failures are handled in-loop: a slow or
// broken review never blocks scanning of later steps.
package reviewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairvibe/pkg/capability"
	"pairvibe/pkg/events"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/search"
	"pairvibe/pkg/state"
)

// ErrAlreadyRunning is returned by Start while a previous Start is active.
var ErrAlreadyRunning = errors.New("reviewer already running")

// Config bounds one runner's scanning behavior.
type Config struct {
	// MaxLookAhead is how many steps past the executor the window extends.
	MaxLookAhead int

	// StepTimeout bounds a single review capability call.
	StepTimeout time.Duration

	// PollInterval is the cooperative re-check cadence while paused or while
	// the window has nothing reviewable.
	PollInterval time.Duration

	// MaxSearchQueries bounds grounding searches per step.
	MaxSearchQueries int
}

// applyDefaults fills zero fields with the package defaults.
func (c *Config) applyDefaults() {
	if c.MaxLookAhead <= 0 {
		c.MaxLookAhead = 3
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxSearchQueries <= 0 {
		c.MaxSearchQueries = DefaultMaxSearchQueries
	}
}

// Outcome reports how reviewing one step went. Exactly one of the failure
// flags is set when the review did not complete normally.
type Outcome struct {
	StepID   string
	Findings []string
	TimedOut bool
	Error    string
}

// Factory builds a runner bound to one run's ledger. The engine calls it
// once per run, after the ledger exists.
type Factory func(*state.Ledger) *Runner

// Runner is the lookahead reviewer. One instance serves one run; after a
// natural finish or Stop it must be Reset before starting again.
type Runner struct {
	mu          sync.Mutex
	state       proto.State
	pauseReason string
	currentID   string
	currentIdx  int
	reviewed    map[string]bool
	cancelWork  context.CancelFunc

	ledger   *state.Ledger
	reviews  capability.Reviewer
	searcher *search.Searcher
	sink     events.Sink
	logger   *logx.Logger
	cfg      Config
}

// New creates a runner over the given ledger. The searcher may be nil or
// unavailable; grounding is best-effort.
func New(ledger *state.Ledger, reviews capability.Reviewer, searcher *search.Searcher, sink events.Sink, cfg Config) *Runner {
	cfg.applyDefaults()
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Runner{
		state:      StateIdle,
		reviewed:   make(map[string]bool),
		currentIdx: -1,
		ledger:     ledger,
		reviews:    reviews,
		searcher:   searcher,
		sink:       sink,
		logger:     logx.NewLogger("reviewer"),
		cfg:        cfg,
	}
}

// State returns the runner's current state.
func (r *Runner) State() proto.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CurrentStepID returns the id of the step under review, or "" when none.
func (r *Runner) CurrentStepID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}

// CurrentIndex returns the plan index under review, or -1 when none. It never
// exceeds the executor index plus the lookahead bound.
func (r *Runner) CurrentIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentIdx
}

// transition moves the runner to a new state, enforcing the transition table.
func (r *Runner) transition(to proto.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Runner) transitionLocked(to proto.State) error {
	if r.state == to {
		return nil
	}
	if !IsValidTransition(r.state, to) {
		return fmt.Errorf("invalid reviewer transition %s -> %s", r.state, to)
	}
	r.logger.DebugState("transition", string(r.state), string(to))
	r.state = to
	return nil
}

// Start runs the lookahead loop until every step past the executor's position
// has been reviewed (or passes), then emits a caught-up event and returns.
// executorIndex is read live on every scan so the window tracks the executor.
// Start rejects when the runner is already running.
func (r *Runner) Start(ctx context.Context, executorIndex func() int) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning, StatePaused:
		r.mu.Unlock()
		return ErrAlreadyRunning
	case StateStopped:
		r.mu.Unlock()
		return fmt.Errorf("cannot start a stopped reviewer, reset first")
	}
	if err := r.transitionLocked(StateRunning); err != nil {
		r.mu.Unlock()
		return err
	}
	workCtx, cancel := context.WithCancel(ctx)
	r.cancelWork = cancel
	r.mu.Unlock()
	defer cancel()

	r.logger.Info("Lookahead loop started (window %d, step timeout %s)", r.cfg.MaxLookAhead, r.cfg.StepTimeout)

	for {
		if stop := r.waitWhilePaused(workCtx); stop {
			return nil
		}

		execIdx := executorIndex()
		idx, step := r.nextReviewable(execIdx)
		if step == nil {
			if r.remainderCovered(execIdx) {
				r.finish()
				return nil
			}
			// Window exhausted but unreviewed steps remain beyond it; wait
			// for the executor to advance.
			if stop := r.sleep(workCtx); stop {
				return nil
			}
			continue
		}

		r.setCurrent(idx, step.ID)
		outcome := r.ReviewStep(workCtx, step)
		r.clearCurrent()

		if workCtx.Err() != nil && !outcome.TimedOut {
			// Stop or abort raced the review; nothing was recorded.
			r.Stop()
			return nil
		}
	}
}

// waitWhilePaused blocks while the runner is paused, polling cooperatively.
// It reports true when the loop should exit.
func (r *Runner) waitWhilePaused(ctx context.Context) bool {
	for {
		switch r.State() {
		case StateStopped:
			return true
		case StatePaused:
			if stop := r.sleep(ctx); stop {
				return true
			}
		default:
			return false
		}
	}
}

// sleep waits one poll interval, reporting true when the loop should exit.
func (r *Runner) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		r.Stop()
		return true
	case <-time.After(r.cfg.PollInterval):
		return r.State() == StateStopped
	}
}

// nextReviewable scans the window [execIdx+1, execIdx+MaxLookAhead] for the
// first step needing review work. Steps already reviewed, already passing, or
// carrying findings from a prior session are skipped, the last kind by
// marking them reviewed without review work.
func (r *Runner) nextReviewable(execIdx int) (int, *proto.Step) {
	last := execIdx + r.cfg.MaxLookAhead
	if max := r.ledger.Len() - 1; last > max {
		last = max
	}
	for i := execIdx + 1; i <= last; i++ {
		step := r.ledger.StepAt(i)
		if step == nil {
			continue
		}
		if r.isReviewed(step.ID) || step.Passes {
			continue
		}
		if step.Reviewed() {
			r.SkipStep(step.ID)
			continue
		}
		return i, step
	}
	return -1, nil
}

// remainderCovered reports whether every step past execIdx is reviewed or
// passing, i.e. no window movement can produce new review work.
func (r *Runner) remainderCovered(execIdx int) bool {
	for i := execIdx + 1; i < r.ledger.Len(); i++ {
		step := r.ledger.StepAt(i)
		if step == nil {
			continue
		}
		if r.isReviewed(step.ID) || step.Passes || step.Reviewed() {
			continue
		}
		return false
	}
	return true
}

// finish ends a naturally completed loop: caught-up event, then STOPPED.
func (r *Runner) finish() {
	r.logger.Info("Reviewer caught up, no reviewable steps remain")
	r.sink.Publish(proto.NewEvent(proto.EventReviewerCaughtUp))
	if err := r.transition(StateStopped); err != nil {
		r.logger.Warn("Finish transition failed: %v", err)
	}
}

// ReviewStep reviews a single step immediately, independent of the loop. The
// step is marked reviewed on the ledger whether the review succeeded, timed
// out, or failed; only an outer cancellation leaves it untouched.
func (r *Runner) ReviewStep(ctx context.Context, step *proto.Step) Outcome {
	outcome := Outcome{StepID: step.ID}

	started := proto.NewStepEvent(proto.EventReviewerStarted, step.ID)
	started.SetDetail(proto.KeyIndex, r.CurrentIndex())
	r.sink.Publish(started)

	results := r.searcher.ResultsForStep(ctx, step, r.cfg.MaxSearchQueries)

	reviewCtx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()

	analysis, err := r.reviews.Analyze(reviewCtx, step, results)
	switch {
	case reviewCtx.Err() == context.DeadlineExceeded:
		outcome.TimedOut = true
		outcome.Error = fmt.Sprintf("review of step %s timed out after %s", step.ID, r.cfg.StepTimeout)
		r.logger.Warn("%s", outcome.Error)
		r.recordFindings(step.ID, []string{})

		ev := proto.NewStepEvent(proto.EventReviewerTimeout, step.ID)
		ev.SetDetail(proto.KeyDurationMS, r.cfg.StepTimeout.Milliseconds())
		r.sink.Publish(ev)
		return outcome

	case err != nil && ctx.Err() != nil:
		// The run is shutting down; leave the step unreviewed.
		outcome.Error = err.Error()
		return outcome

	case err != nil:
		// Handled failure: the step still counts as reviewed so execution
		// can proceed without it.
		outcome.Error = err.Error()
		r.logger.Warn("Review of step %s failed: %v", step.ID, err)
		r.recordFindings(step.ID, []string{})

		ev := proto.NewStepEvent(proto.EventReviewerCompleted, step.ID)
		ev.Error = err.Error()
		r.sink.Publish(ev)
		return outcome
	}

	outcome.Findings = analysis.Findings
	if outcome.Findings == nil {
		outcome.Findings = []string{}
	}
	r.recordFindings(step.ID, outcome.Findings)

	completed := proto.NewStepEvent(proto.EventReviewerCompleted, step.ID)
	completed.SetDetail(proto.KeyFindings, len(outcome.Findings))
	r.sink.Publish(completed)

	if len(outcome.Findings) > 0 {
		r.logger.Info("Step %s reviewed: %d findings, consensus needed", step.ID, len(outcome.Findings))
		needed := proto.NewStepEvent(proto.EventConsensusNeeded, step.ID)
		needed.SetDetail(proto.KeyFindings, len(outcome.Findings))
		r.sink.Publish(needed)
	} else {
		r.logger.Debug("Step %s reviewed clean", step.ID)
	}
	return outcome
}

// recordFindings writes findings to the ledger, tolerating a step that was
// reviewed concurrently through another path.
func (r *Runner) recordFindings(id string, findings []string) {
	if err := r.ledger.SetFindings(id, findings); err != nil {
		r.logger.Debug("Findings for step %s not recorded: %v", id, err)
	}
	r.markReviewed(id)
}

// SkipStep marks a step reviewed without performing review work. Used when
// findings were already supplied externally.
func (r *Runner) SkipStep(id string) {
	r.markReviewed(id)
	r.logger.Debug("Step %s skipped, carried prior findings", id)
}

// Pause suspends the loop at its next check. Effective only while running.
func (r *Runner) Pause(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return
	}
	if err := r.transitionLocked(StatePaused); err != nil {
		return
	}
	r.pauseReason = reason
	r.logger.Info("Reviewer paused: %s", reason)
}

// Resume restarts a paused loop. Effective only while paused.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return
	}
	if err := r.transitionLocked(StateRunning); err != nil {
		return
	}
	r.pauseReason = ""
	r.logger.Info("Reviewer resumed")
}

// PauseReason returns why the runner is paused, or "" when it is not.
func (r *Runner) PauseReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauseReason
}

// Stop terminates the runner and cancels in-flight review work eagerly. The
// loop exits at its next check; the current-step pointer is cleared.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	if r.state == StateIdle {
		// Never started; nothing to unwind.
		r.mu.Unlock()
		return
	}
	if err := r.transitionLocked(StateStopped); err != nil {
		r.mu.Unlock()
		return
	}
	cancel := r.cancelWork
	r.currentID = ""
	r.currentIdx = -1
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.logger.Info("Reviewer stopped")
}

// Reset clears reviewed-state and returns the runner to idle. Rejected while
// the loop is active.
func (r *Runner) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning || r.state == StatePaused {
		return fmt.Errorf("cannot reset reviewer while %s", r.state)
	}
	r.reviewed = make(map[string]bool)
	r.currentID = ""
	r.currentIdx = -1
	r.pauseReason = ""
	r.state = StateIdle
	return nil
}

func (r *Runner) isReviewed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reviewed[id]
}

func (r *Runner) markReviewed(id string) {
	r.mu.Lock()
	r.reviewed[id] = true
	r.mu.Unlock()
}

func (r *Runner) setCurrent(idx int, id string) {
	r.mu.Lock()
	r.currentIdx = idx
	r.currentID = id
	r.mu.Unlock()
}

func (r *Runner) clearCurrent() {
	r.mu.Lock()
	r.currentIdx = -1
	r.currentID = ""
	r.mu.Unlock()
}
