// Package engine implements the top-level run orchestration: the executor
// loop over plan steps, the background reviewer it supervises, and the
// consensus sessions it convenes when review findings contest a step. The
// engine owns the step ledger and the only abort context; every unrecovered
// failure surfaces at Run's outer boundary as the ERROR terminal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairvibe/pkg/consensus"
	"pairvibe/pkg/events"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/reviewer"
	"pairvibe/pkg/state"
)

// errAborted flows through the executor loop when the abort signal fires. It
// never escapes Run; callers see a StopAborted result.
var errAborted = errors.New("run aborted")

// ExecuteFunc performs the actual work of one step. The engine records
// whatever it reports; a nil result counts as failure.
type ExecuteFunc func(ctx context.Context, step *proto.Step) *proto.ExecResult

// Config bounds the executor loop.
type Config struct {
	// ReviewWaitTimeout is how long the executor waits for a pending review
	// before proceeding without one.
	ReviewWaitTimeout time.Duration

	// PollInterval is the cooperative re-check cadence for pause/abort flags
	// and pending reviews.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReviewWaitTimeout <= 0 {
		c.ReviewWaitTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Options wires an engine's collaborators. Execute, Reviewer, and Consensus
// are required; the rest default to inert implementations.
type Options struct {
	// RunID identifies the run in events and audit records. Assigned when
	// empty.
	RunID string

	// Execute is the injected step execution callback.
	Execute ExecuteFunc

	// Reviewer builds the lookahead runner for a run's ledger. The engine
	// spawns and supervises the result.
	Reviewer reviewer.Factory

	// Consensus builds a fresh runner per contested step.
	Consensus consensus.Factory

	// SavePlan persists a plan snapshot after every ledger mutation.
	SavePlan func(*proto.Plan)

	// ReloadPlan loads the plan when Run is called with nil.
	ReloadPlan func() (*proto.Plan, error)

	// Sink receives the structured event stream.
	Sink events.Sink

	// ConsensusAudit observes every full session result, proposals
	// included. Used by hosts that keep an audit trail.
	ConsensusAudit func(runID string, result *proto.ConsensusResult)

	Config Config
}

func (o *Options) validate() error {
	if o.Execute == nil {
		return fmt.Errorf("engine options: Execute is required")
	}
	if o.Reviewer == nil {
		return fmt.Errorf("engine options: Reviewer factory is required")
	}
	if o.Consensus == nil {
		return fmt.Errorf("engine options: Consensus factory is required")
	}
	return nil
}

// Result is the final report of one run.
type Result struct {
	RunID       string           `json:"run_id"`
	StopReason  proto.StopReason `json:"stop_reason"`
	AbortReason string           `json:"abort_reason,omitempty"`
	Error       string           `json:"error,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Progress    state.Snapshot   `json:"progress"`
}

// Engine drives one plan run. Construct a new engine per run.
type Engine struct {
	mu          sync.Mutex
	engineState proto.State
	phase       proto.Phase
	pausedPhase proto.Phase
	stopMsg     string
	runCancel   context.CancelFunc
	activeCons  *consensus.Runner

	runID      string
	ledger     *state.Ledger
	progress   *state.Progress
	rev        *reviewer.Runner
	revFactory reviewer.Factory
	factory    consensus.Factory
	execute    ExecuteFunc
	save       func(*proto.Plan)
	reload     func() (*proto.Plan, error)
	audit      func(string, *proto.ConsensusResult)
	sink       events.Sink
	logger     *logx.Logger
	cfg        Config
}

// New creates an engine from options.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Config.applyDefaults()
	if opts.Sink == nil {
		opts.Sink = events.NopSink{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	return &Engine{
		engineState: StateIdle,
		runID:       opts.RunID,
		revFactory:  opts.Reviewer,
		factory:     opts.Consensus,
		execute:     opts.Execute,
		save:        opts.SavePlan,
		reload:      opts.ReloadPlan,
		audit:       opts.ConsensusAudit,
		sink:        opts.Sink,
		logger:      logx.NewLogger("engine"),
		cfg:         opts.Config,
	}, nil
}

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.runID }

// State returns the engine's current state.
func (e *Engine) State() proto.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engineState
}

// Phase returns the externally visible activity.
func (e *Engine) Phase() proto.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Progress returns a snapshot of run progress, zero before Run.
func (e *Engine) Progress() state.Snapshot {
	e.mu.Lock()
	progress := e.progress
	e.mu.Unlock()
	if progress == nil {
		return state.Snapshot{}
	}
	return progress.Snapshot()
}

func (e *Engine) transitionLocked(to proto.State) error {
	if e.engineState == to {
		return nil
	}
	if !IsValidTransition(e.engineState, to) {
		return fmt.Errorf("invalid engine transition %s -> %s", e.engineState, to)
	}
	e.logger.DebugState("transition", string(e.engineState), string(to))
	e.engineState = to
	return nil
}

// setPhase records the externally visible activity and announces changes.
func (e *Engine) setPhase(phase proto.Phase) {
	e.mu.Lock()
	if e.phase == phase {
		e.mu.Unlock()
		return
	}
	e.phase = phase
	e.mu.Unlock()

	ev := proto.NewEvent(proto.EventPhaseChange)
	ev.Phase = phase
	e.sink.Publish(ev)
}

// Run drives the plan to completion. Legal only from idle; one engine serves
// one run. A nil plan is loaded through the reload hook. The returned error
// is non-nil only for the ERROR terminal; aborts report through the result.
func (e *Engine) Run(ctx context.Context, plan *proto.Plan) (*Result, error) {
	e.mu.Lock()
	if e.engineState != StateIdle {
		engineState := e.engineState
		e.mu.Unlock()
		return nil, fmt.Errorf("engine not idle (state %s)", engineState)
	}
	if err := e.transitionLocked(StateRunning); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	startedAt := time.Now()

	if plan == nil {
		if e.reload == nil {
			return e.failEarly(startedAt, fmt.Errorf("no plan given and no reload hook wired"))
		}
		loaded, err := e.reload()
		if err != nil {
			return e.failEarly(startedAt, fmt.Errorf("reload plan: %w", err))
		}
		plan = loaded
	}

	ledger, err := state.NewLedger(plan)
	if err != nil {
		return e.failEarly(startedAt, err)
	}
	progress := state.NewProgress(plan)
	if e.save != nil {
		ledger.SetOnMutate(e.save)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rev := e.revFactory(ledger)
	if rev == nil {
		return e.failEarly(startedAt, fmt.Errorf("reviewer factory returned nil"))
	}

	e.mu.Lock()
	e.ledger = ledger
	e.progress = progress
	e.rev = rev
	e.runCancel = cancel
	e.mu.Unlock()

	e.logger.Info("Run %s started: %d steps", e.runID, ledger.Len())
	e.setPhase(proto.PhaseReview)

	reviewerDone := make(chan error, 1)
	go func() {
		reviewerDone <- rev.Start(runCtx, progress.ExecutorIndex)
	}()

	loopErr := e.runLoop(runCtx)

	// Wind down the reviewer regardless of how the loop ended; its errors
	// are logged, never propagated.
	rev.Stop()
	select {
	case revErr := <-reviewerDone:
		if revErr != nil {
			e.logger.Warn("Reviewer exited with error: %v", revErr)
		}
	case <-time.After(2 * time.Second):
		e.logger.Warn("Reviewer did not stop in time")
	}
	e.cancelActiveConsensus()

	return e.finalize(startedAt, loopErr)
}

// failEarly converts a setup failure into the ERROR terminal.
func (e *Engine) failEarly(startedAt time.Time, err error) (*Result, error) {
	e.mu.Lock()
	if terr := e.transitionLocked(StateError); terr != nil {
		e.logger.Warn("Error transition failed: %v", terr)
	}
	e.mu.Unlock()

	e.sink.Publish(proto.NewErrorEvent(err))
	e.logger.Error("Run %s failed during setup: %v", e.runID, err)
	return &Result{
		RunID:      e.runID,
		StopReason: proto.StopError,
		Error:      err.Error(),
		Duration:   time.Since(startedAt),
	}, err
}

// finalize converts the loop outcome into the terminal state and result.
// This is the only place a loop failure becomes the ERROR terminal.
func (e *Engine) finalize(startedAt time.Time, loopErr error) (*Result, error) {
	result := &Result{
		RunID:    e.runID,
		Duration: time.Since(startedAt),
		Progress: e.progress.Snapshot(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case loopErr == nil:
		e.finishStoppedLocked()
		result.StopReason = proto.StopCompleted
		e.logger.Info("Run %s completed: %d passed, %d failed", e.runID, result.Progress.Passed, result.Progress.Failed)
		return result, nil

	case errors.Is(loopErr, errAborted):
		e.finishStoppedLocked()
		result.StopReason = proto.StopAborted
		result.AbortReason = e.stopMsg
		if result.AbortReason == "" {
			result.AbortReason = "context cancelled"
		}
		e.logger.Info("Run %s aborted: %s", e.runID, result.AbortReason)
		return result, nil

	case e.engineState == StateStopping:
		// Stop raced the failure; the stop wins and the error is informational.
		e.finishStoppedLocked()
		result.StopReason = proto.StopAborted
		result.AbortReason = e.stopMsg
		result.Error = loopErr.Error()
		e.logger.Warn("Run %s aborted while failing: %v", e.runID, loopErr)
		return result, nil

	default:
		if err := e.transitionLocked(StateError); err != nil {
			e.logger.Warn("Error transition failed: %v", err)
		}
		result.StopReason = proto.StopError
		result.Error = loopErr.Error()
		e.sink.Publish(proto.NewErrorEvent(loopErr))
		e.logger.Error("Run %s failed: %v", e.runID, loopErr)
		return result, loopErr
	}
}

// finishStoppedLocked walks the wind-down transitions from wherever the run
// currently is.
func (e *Engine) finishStoppedLocked() {
	if e.engineState == StateRunning || e.engineState == StatePaused {
		if err := e.transitionLocked(StateStopping); err != nil {
			e.logger.Warn("Stopping transition failed: %v", err)
		}
	}
	if e.engineState == StateStopping {
		if err := e.transitionLocked(StateStopped); err != nil {
			e.logger.Warn("Stopped transition failed: %v", err)
		}
	}
}

// runLoop is the executor loop. Any error it returns reaches finalize; only
// errAborted is not fatal.
func (e *Engine) runLoop(ctx context.Context) error {
	for i := 0; i < e.ledger.Len(); i++ {
		e.progress.SetExecutorIndex(i)

		if err := e.gate(ctx); err != nil {
			return err
		}

		step := e.ledger.StepAt(i)
		if step == nil {
			return fmt.Errorf("step index %d vanished from the ledger", i)
		}
		if step.Passes {
			e.logger.Debug("Step %s already passes, skipping", step.ID)
			continue
		}

		reviewTimedOut := false
		if !step.Reviewed() {
			var err error
			reviewTimedOut, err = e.ensureReviewed(ctx, step.ID)
			if err != nil {
				return err
			}
			if reviewTimedOut {
				e.progress.IncReviewTimeouts()
				ev := proto.NewStepEvent(proto.EventReviewerTimeout, step.ID)
				ev.Message = "review wait timed out, executing without review"
				e.sink.Publish(ev)
				e.logger.Warn("Step %s: review wait timed out after %s", step.ID, e.cfg.ReviewWaitTimeout)
			}
		}

		step = e.ledger.StepByID(step.ID)
		if step.NeedsConsensus() && step.Consensus == nil {
			if err := e.runConsensus(ctx, step); err != nil {
				return err
			}
			step = e.ledger.StepByID(step.ID)
		}

		if err := e.gate(ctx); err != nil {
			return err
		}
		if err := e.executeStep(ctx, i, step, reviewTimedOut); err != nil {
			return err
		}
	}
	return nil
}

// gate blocks while paused and reports errAborted once the abort fires.
func (e *Engine) gate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errAborted
		default:
		}
		if e.State() != StatePaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return errAborted
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// ensureReviewed gets the current step a review attempt before execution,
// bounded by ReviewWaitTimeout. The lookahead loop never reviews at or behind
// the executor's index, so waiting only makes sense while that loop is
// mid-review on this exact step; otherwise the step is reviewed immediately
// out-of-band. A timeout is not an error: the executor proceeds without the
// review.
func (e *Engine) ensureReviewed(ctx context.Context, stepID string) (bool, error) {
	e.setPhase(proto.PhaseReview)
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReviewWaitTimeout)
	defer cancel()

	for e.rev.CurrentStepID() == stepID {
		step := e.ledger.StepByID(stepID)
		if step == nil {
			return false, fmt.Errorf("step %s vanished from the ledger", stepID)
		}
		if step.Reviewed() {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, errAborted
		case <-waitCtx.Done():
			return true, nil
		case <-time.After(e.cfg.PollInterval):
		}
	}

	step := e.ledger.StepByID(stepID)
	if step == nil {
		return false, fmt.Errorf("step %s vanished from the ledger", stepID)
	}
	if step.Reviewed() {
		return false, nil
	}

	outcome := e.rev.ReviewStep(waitCtx, step)
	switch {
	case ctx.Err() != nil:
		return false, errAborted
	case outcome.TimedOut || waitCtx.Err() != nil:
		return true, nil
	default:
		return false, nil
	}
}

// runConsensus convenes a session for a contested step. The reviewer pauses
// for the session's duration so findings stop accumulating mid-negotiation;
// at most one session is ever active.
func (e *Engine) runConsensus(ctx context.Context, step *proto.Step) error {
	e.setPhase(proto.PhaseConsensus)
	e.rev.Pause("consensus session for step " + step.ID)
	defer func() {
		// Leave the reviewer paused when the engine itself was paused
		// mid-session; Resume will wake it.
		if e.State() == StateRunning {
			e.rev.Resume()
		}
	}()

	runner := e.factory()
	e.setActiveConsensus(runner)
	defer e.setActiveConsensus(nil)

	e.progress.IncConsensusSessions()
	e.logger.Info("Consensus session for step %s: %d findings", step.ID, len(step.Findings))

	result, err := runner.Resolve(ctx, step, step.Findings)
	e.progress.AddSycophancyFlags(runner.RiskFlags())
	if err != nil {
		if errors.Is(err, consensus.ErrCancelled) {
			return errAborted
		}
		return fmt.Errorf("consensus for step %s: %w", step.ID, err)
	}

	if err := e.ledger.SetConsensus(step.ID, consensus.ToRecord(result)); err != nil {
		return fmt.Errorf("record consensus for step %s: %w", step.ID, err)
	}
	if e.audit != nil {
		e.audit(e.runID, result)
	}
	return nil
}

// executeStep runs the injected callback and records the outcome. A step
// whose review never landed, or landed only as a timeout, counts as executed
// without review.
func (e *Engine) executeStep(ctx context.Context, index int, step *proto.Step, reviewTimedOut bool) error {
	e.setPhase(proto.PhaseExecute)
	e.progress.SetStatus(step.ID, state.StepExecuting)

	started := proto.NewStepEvent(proto.EventExecutorStarted, step.ID)
	started.SetDetail(proto.KeyIndex, index)
	e.sink.Publish(started)

	withoutReview := reviewTimedOut || !step.Reviewed()
	startedAt := time.Now().UTC()
	res := e.execute(ctx, step)
	completedAt := time.Now().UTC()
	if res == nil {
		res = &proto.ExecResult{Error: "execution callback returned no result"}
	}
	if res.DurationMS == 0 {
		res.DurationMS = completedAt.Sub(startedAt).Milliseconds()
	}

	if err := e.ledger.MarkExecuted(step.ID, res, startedAt, completedAt, withoutReview); err != nil {
		return fmt.Errorf("record execution of step %s: %w", step.ID, err)
	}
	if withoutReview {
		e.progress.IncExecutedWithoutReview()
	}
	if res.Success {
		e.progress.SetStatus(step.ID, state.StepPassed)
	} else {
		e.progress.SetStatus(step.ID, state.StepFailed)
	}

	completed := proto.NewStepEvent(proto.EventExecutorCompleted, step.ID)
	completed.SetDetail(proto.KeyIndex, index)
	completed.SetDetail(proto.KeyPasses, res.Success)
	completed.SetDetail(proto.KeyDurationMS, res.DurationMS)
	if res.Error != "" {
		completed.Error = res.Error
	}
	e.sink.Publish(completed)

	e.logger.Info("Step %s executed: success=%v (%dms)", step.ID, res.Success, res.DurationMS)
	return nil
}

// Pause suspends the run at the loop's next check. The reviewer pauses too.
// Effective only while running.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.engineState != StateRunning {
		e.mu.Unlock()
		return
	}
	if err := e.transitionLocked(StatePaused); err != nil {
		e.mu.Unlock()
		return
	}
	e.pausedPhase = e.phase
	rev := e.rev
	e.mu.Unlock()

	if rev != nil {
		rev.Pause("engine paused")
	}
	e.sink.Publish(proto.NewEvent(proto.EventPaused))
	e.logger.Info("Run %s paused", e.runID)
}

// Resume restarts a paused run, restoring the phase that was active when the
// run paused. Effective only while paused.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.engineState != StatePaused {
		e.mu.Unlock()
		return
	}
	if err := e.transitionLocked(StateRunning); err != nil {
		e.mu.Unlock()
		return
	}
	restored := e.pausedPhase
	rev := e.rev
	e.mu.Unlock()

	if restored != "" {
		e.setPhase(restored)
	}
	if rev != nil {
		rev.Resume()
	}

	ev := proto.NewEvent(proto.EventResumed)
	ev.Phase = restored
	e.sink.Publish(ev)
	e.logger.Info("Run %s resumed in phase %s", e.runID, restored)
}

// Stop aborts the run cooperatively: the abort signal fires, the reviewer
// stops, and any active consensus session is cancelled. The loop drains at
// its next check.
func (e *Engine) Stop(reason string) {
	e.mu.Lock()
	if e.engineState != StateRunning && e.engineState != StatePaused {
		e.mu.Unlock()
		return
	}
	if err := e.transitionLocked(StateStopping); err != nil {
		e.mu.Unlock()
		return
	}
	e.stopMsg = reason
	cancel := e.runCancel
	rev := e.rev
	e.mu.Unlock()

	e.logger.Info("Run %s stopping: %s", e.runID, reason)
	if cancel != nil {
		cancel()
	}
	if rev != nil {
		rev.Stop()
	}
	e.cancelActiveConsensus()
}

// TriggerConsensus forces a consensus session for the step the executor is
// currently on by injecting a synthetic finding. The session runs when the
// executor reaches its consensus gate.
func (e *Engine) TriggerConsensus(reason string) error {
	e.mu.Lock()
	if e.engineState != StateRunning && e.engineState != StatePaused {
		engineState := e.engineState
		e.mu.Unlock()
		return fmt.Errorf("no active run to trigger consensus in (state %s)", engineState)
	}
	ledger, progress := e.ledger, e.progress
	e.mu.Unlock()
	if ledger == nil || progress == nil {
		return fmt.Errorf("run is still initializing")
	}

	index := progress.ExecutorIndex()
	step := ledger.StepAt(index)
	if step == nil {
		return fmt.Errorf("no step at executor index %d", index)
	}
	if step.Consensus != nil {
		return fmt.Errorf("step %s already carries a consensus record", step.ID)
	}

	if err := ledger.InjectFinding(step.ID, "operator requested consensus: "+reason); err != nil {
		return err
	}
	progress.IncManualTriggers()

	ev := proto.NewStepEvent(proto.EventConsensusNeeded, step.ID)
	ev.Message = reason
	ev.SetDetail(proto.KeyReason, "manual trigger")
	e.sink.Publish(ev)
	e.logger.Info("Manual consensus trigger on step %s: %s", step.ID, reason)
	return nil
}

func (e *Engine) setActiveConsensus(runner *consensus.Runner) {
	e.mu.Lock()
	e.activeCons = runner
	e.mu.Unlock()
}

func (e *Engine) cancelActiveConsensus() {
	e.mu.Lock()
	runner := e.activeCons
	e.mu.Unlock()
	if runner != nil {
		runner.Cancel()
	}
}
