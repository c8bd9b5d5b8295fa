// Package consensus implements the multi-round negotiation protocol that
// resolves reviewer/executor disagreement on a single step. Each round both
// sides generate a proposal concurrently, the proposals are anonymized behind
// per-session A/B labels, and a blind alignment check judges whether they
// describe the same approach. Escalation rounds push for deeper reasoning
// with optional search grounding; exhausting every round falls back to the
// executor's proposal.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairvibe/pkg/capability"
	"pairvibe/pkg/events"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/search"
)

var (
	// ErrNotIdle is returned by Resolve when the runner has already run. A
	// runner serves one session; construct a new one per session.
	ErrNotIdle = errors.New("consensus runner not idle")

	// ErrCancelled is returned by Resolve when the session was cancelled.
	ErrCancelled = errors.New("consensus session cancelled")

	// ErrLoopExited is returned by Resolve when every round failed and no
	// executor proposal survived to decide with.
	ErrLoopExited = errors.New("consensus loop exited unexpectedly")
)

// Config bounds one consensus session.
type Config struct {
	// MaxRounds is how many escalation rounds may follow round 1.
	MaxRounds int

	// SessionTimeout bounds the whole session.
	SessionTimeout time.Duration

	// MaxSearchQueries bounds grounding searches per escalation round.
	MaxSearchQueries int
}

// applyDefaults fills zero fields with the package defaults.
func (c *Config) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 2
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.MaxSearchQueries <= 0 {
		c.MaxSearchQueries = DefaultMaxSearchQueries
	}
}

// Factory builds a fresh runner for one session. The engine calls it every
// time a step needs consensus.
type Factory func() *Runner

// Runner negotiates one consensus session. Terminal state persists after
// Resolve returns so callers can inspect how the session ended.
type Runner struct {
	mu         sync.Mutex
	state      proto.State
	sessionID  string
	riskFlags  int
	cancelWork context.CancelFunc

	executor capability.Proposer
	reviewer capability.Proposer
	aligner  capability.Aligner
	searcher *search.Searcher
	sink     events.Sink
	logger   *logx.Logger
	cfg      Config
}

// New creates a runner for a single session. The searcher may be nil;
// escalation rounds then run ungrounded.
func New(executor, reviewer capability.Proposer, aligner capability.Aligner, searcher *search.Searcher, sink events.Sink, cfg Config) *Runner {
	cfg.applyDefaults()
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Runner{
		state:    StateIdle,
		executor: executor,
		reviewer: reviewer,
		aligner:  aligner,
		searcher: searcher,
		sink:     sink,
		logger:   logx.NewLogger("consensus"),
		cfg:      cfg,
	}
}

// State returns the session state.
func (r *Runner) State() proto.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionID returns the session's id, empty before Resolve.
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// RiskFlags returns how many sycophancy risk flags this session raised.
// Observational only; flags never alter the decision.
func (r *Runner) RiskFlags() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.riskFlags
}

// Cancel aborts a running session. It only has effect while running: on an
// idle or finished runner it is a no-op.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	if err := r.transitionLocked(StateCancelled); err != nil {
		r.mu.Unlock()
		return
	}
	cancel := r.cancelWork
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.logger.Info("Consensus session cancelled")
}

func (r *Runner) transitionLocked(to proto.State) error {
	if r.state == to {
		return nil
	}
	if !IsValidTransition(r.state, to) {
		return fmt.Errorf("invalid consensus transition %s -> %s", r.state, to)
	}
	r.logger.DebugState("transition", string(r.state), string(to))
	r.state = to
	return nil
}

// finish moves to a terminal state, tolerating a cancel that won the race.
func (r *Runner) finish(to proto.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCancelled {
		return
	}
	if err := r.transitionLocked(to); err != nil {
		r.logger.Warn("Finish transition failed: %v", err)
	}
}

// Resolve negotiates the contested step to a decision. It rejects when the
// runner is not idle. A successful return carries a result even when the
// session timed out (best-effort partial, status "timeout"); an error return
// means cancellation or total failure of every round.
func (r *Runner) Resolve(ctx context.Context, step *proto.Step, findings []string) (*proto.ConsensusResult, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotIdle, state)
	}
	if err := r.transitionLocked(StateRunning); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	sessionCtx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	r.cancelWork = cancel
	r.sessionID = uuid.New().String()
	sessionID := r.sessionID
	r.mu.Unlock()
	defer cancel()

	started := time.Now()

	// Per-session coin flip: which side answers to which label. The
	// alignment check sees labels only, never sources.
	executorLabel, reviewerLabel := proto.LabelA, proto.LabelB
	if rand.Intn(2) == 1 {
		executorLabel, reviewerLabel = proto.LabelB, proto.LabelA
	}

	r.logger.Info("Consensus session %s for step %s: %d findings, up to %d rounds",
		sessionID, step.ID, len(findings), r.cfg.MaxRounds+1)
	startEv := proto.NewStepEvent(proto.EventConsensusStarted, step.ID)
	startEv.SetDetail(proto.KeyFindings, len(findings))
	r.sink.Publish(startEv)

	var (
		proposals      []*proto.Proposal
		lastExecutor   *proto.Proposal
		usedEscalation bool
		rounds         int
		lastSimilarity float64
	)

	totalRounds := r.cfg.MaxRounds + 1
	for round := 1; round <= totalRounds; round++ {
		if sessionCtx.Err() != nil || r.State() == StateCancelled {
			break
		}
		rounds = round
		escalate := round > 1
		if escalate {
			usedEscalation = true
		}

		var grounding []search.Result
		if escalate {
			grounding = r.searcher.SearchAll(sessionCtx,
				search.QueriesForConsensus(step, findings, r.cfg.MaxSearchQueries), step.ID)
		}

		execProp, revProp := r.generateBoth(sessionCtx, step, findings, escalate, grounding,
			round, executorLabel, reviewerLabel)
		if execProp != nil {
			proposals = append(proposals, execProp)
			lastExecutor = execProp
		}
		if revProp != nil {
			proposals = append(proposals, revProp)
		}
		if sessionCtx.Err() != nil || r.State() == StateCancelled {
			break
		}

		if execProp == nil || revProp == nil {
			// A failed side counts as a non-aligned round; transient
			// failures get another chance next round.
			r.publishRound(step.ID, round, escalate, false, 0, "proposal generation failed")
			continue
		}

		contentA, contentB := execProp.Content, revProp.Content
		if executorLabel == proto.LabelB {
			contentA, contentB = revProp.Content, execProp.Content
		}
		verdict, err := r.aligner.CheckAlignment(sessionCtx, contentA, contentB)
		if sessionCtx.Err() != nil || r.State() == StateCancelled {
			break
		}
		if err != nil {
			r.logger.Warn("Alignment check failed in round %d: %v", round, err)
			r.publishRound(step.ID, round, escalate, false, 0, "alignment check failed")
			continue
		}

		lastSimilarity = verdict.Similarity
		r.publishRound(step.ID, round, escalate, verdict.Aligned, verdict.Similarity, "")
		r.logger.Info("Round %d: aligned=%v similarity=%.2f", round, verdict.Aligned, verdict.Similarity)

		if verdict.Aligned {
			// Aligned proposals are interchangeable in substance; label A's
			// text is the recorded decision either way.
			result := &proto.ConsensusResult{
				StepID:             step.ID,
				Aligned:            true,
				FinalDecision:      contentA,
				DecidedBy:          proto.DecidedByConsensus,
				Rounds:             round,
				Proposals:          proposals,
				UsedEscalation:     usedEscalation,
				ProposalSimilarity: verdict.Similarity,
				Status:             proto.ConsensusResolved,
				DurationMS:         time.Since(started).Milliseconds(),
				Timestamp:          time.Now().UTC(),
			}
			r.checkSycophancy(round, verdict.Similarity, execProp, revProp, time.Since(started))
			r.finish(StateResolved)
			r.publishCompleted(result)
			return result, nil
		}
	}

	// The loop broke or exhausted its rounds without alignment.
	if r.State() == StateCancelled || (sessionCtx.Err() == context.Canceled) {
		r.finish(StateCancelled)
		return nil, fmt.Errorf("%w after %d rounds", ErrCancelled, rounds)
	}

	if sessionCtx.Err() == context.DeadlineExceeded {
		return r.finishTimeout(step.ID, rounds, proposals, lastExecutor, usedEscalation, started), nil
	}

	if lastExecutor == nil {
		// Nothing to decide with: every round failed on the executor side.
		r.finish(StateError)
		ev := proto.NewErrorEvent(ErrLoopExited)
		ev.StepID = step.ID
		r.sink.Publish(ev)
		r.logger.Error("Consensus session %s failed: no surviving proposal", sessionID)
		return nil, fmt.Errorf("%w: all %d rounds failed for step %s", ErrLoopExited, rounds, step.ID)
	}

	// Executor-wins tie-break.
	r.logger.Info("No alignment after %d rounds, executor proposal wins by default", rounds)
	result := &proto.ConsensusResult{
		StepID:             step.ID,
		Aligned:            false,
		FinalDecision:      lastExecutor.Content,
		DecidedBy:          proto.DecidedByExecutor,
		Rounds:             totalRounds,
		Proposals:          proposals,
		UsedEscalation:     usedEscalation,
		ProposalSimilarity: lastSimilarity,
		Status:             proto.ConsensusResolved,
		DurationMS:         time.Since(started).Milliseconds(),
		Timestamp:          time.Now().UTC(),
	}
	r.finish(StateResolved)
	r.publishCompleted(result)
	return result, nil
}

// generateBoth runs both sides' proposal generation concurrently and wraps
// the successful drafts as labeled proposals. A failed side returns nil.
func (r *Runner) generateBoth(ctx context.Context, step *proto.Step, findings []string, escalate bool, grounding []search.Result, round int, executorLabel, reviewerLabel proto.ProposalLabel) (*proto.Proposal, *proto.Proposal) {
	var (
		wg                  sync.WaitGroup
		execDraft, revDraft *capability.Draft
		execErr, revErr     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		execDraft, execErr = r.executor.GenerateProposal(ctx, step, findings, escalate, grounding)
	}()
	go func() {
		defer wg.Done()
		revDraft, revErr = r.reviewer.GenerateProposal(ctx, step, findings, escalate, grounding)
	}()
	wg.Wait()

	var execProp, revProp *proto.Proposal
	if execErr != nil {
		r.logger.Warn("Executor proposal failed in round %d: %v", round, execErr)
	} else {
		execProp = newProposal(round, executorLabel, proto.SourceExecutor, execDraft, escalate)
	}
	if revErr != nil {
		r.logger.Warn("Reviewer proposal failed in round %d: %v", round, revErr)
	} else {
		revProp = newProposal(round, reviewerLabel, proto.SourceReviewer, revDraft, escalate)
	}
	return execProp, revProp
}

func newProposal(round int, label proto.ProposalLabel, source proto.ProposalSource, draft *capability.Draft, escalate bool) *proto.Proposal {
	return &proto.Proposal{
		Round:          round,
		Label:          label,
		Content:        draft.Proposal,
		Reasoning:      draft.Reasoning,
		UsedEscalation: escalate,
		SubmittedAt:    time.Now().UTC(),
		Source:         source,
	}
}

// finishTimeout builds the best-effort partial result for an expired session.
// Kept distinct from the executor tie-break: status says timeout.
func (r *Runner) finishTimeout(stepID string, rounds int, proposals []*proto.Proposal, lastExecutor *proto.Proposal, usedEscalation bool, started time.Time) *proto.ConsensusResult {
	if rounds < 1 {
		rounds = 1
	}
	decision := ""
	if lastExecutor != nil {
		decision = lastExecutor.Content
	}
	r.logger.Warn("Consensus session timed out after %s in round %d", r.cfg.SessionTimeout, rounds)

	result := &proto.ConsensusResult{
		StepID:         stepID,
		Aligned:        false,
		FinalDecision:  decision,
		DecidedBy:      proto.DecidedByExecutor,
		Rounds:         rounds,
		Proposals:      proposals,
		UsedEscalation: usedEscalation,
		Status:         proto.ConsensusTimeout,
		DurationMS:     time.Since(started).Milliseconds(),
		Timestamp:      time.Now().UTC(),
	}
	r.finish(StateResolved)

	ev := proto.NewStepEvent(proto.EventConsensusTimeout, stepID)
	ev.Round = rounds
	ev.SetDetail(proto.KeyDurationMS, result.DurationMS)
	r.sink.Publish(ev)
	return result
}

// checkSycophancy flags sessions whose agreement looks reflexive rather than
// reasoned. Flags feed the risk counter and nothing else.
func (r *Runner) checkSycophancy(round int, similarity float64, execProp, revProp *proto.Proposal, elapsed time.Duration) {
	instant := round == 1 && similarity > SycophancySimilarity && elapsed < SycophancyDuration
	shallow := len(strings.TrimSpace(execProp.Reasoning)) < SycophancyMinReasoning &&
		len(strings.TrimSpace(revProp.Reasoning)) < SycophancyMinReasoning
	if !instant && !shallow {
		return
	}

	r.mu.Lock()
	r.riskFlags++
	r.mu.Unlock()
	switch {
	case instant && shallow:
		r.logger.Warn("Sycophancy risk: instant near-identical agreement with skeletal reasoning")
	case instant:
		r.logger.Warn("Sycophancy risk: round-1 agreement at similarity %.2f in %s", similarity, elapsed.Round(time.Millisecond))
	default:
		r.logger.Warn("Sycophancy risk: both reasonings suspiciously short")
	}
}

func (r *Runner) publishRound(stepID string, round int, escalated, aligned bool, similarity float64, failure string) {
	ev := proto.NewStepEvent(proto.EventConsensusRound, stepID)
	ev.Round = round
	ev.SetDetail(proto.KeyAligned, aligned)
	ev.SetDetail(proto.KeyEscalated, escalated)
	if similarity > 0 {
		ev.SetDetail(proto.KeySimilarity, similarity)
	}
	if failure != "" {
		ev.Error = failure
	}
	r.sink.Publish(ev)
}

func (r *Runner) publishCompleted(result *proto.ConsensusResult) {
	ev := proto.NewStepEvent(proto.EventConsensusCompleted, result.StepID)
	ev.Round = result.Rounds
	ev.SetDetail(proto.KeyAligned, result.Aligned)
	ev.SetDetail(proto.KeyDecidedBy, string(result.DecidedBy))
	ev.SetDetail(proto.KeyRounds, result.Rounds)
	ev.SetDetail(proto.KeySimilarity, result.ProposalSimilarity)
	ev.SetDetail(proto.KeyEscalated, result.UsedEscalation)
	ev.SetDetail(proto.KeyDurationMS, result.DurationMS)
	r.sink.Publish(ev)
}

// ToRecord condenses a session result to the record persisted on the step.
func ToRecord(res *proto.ConsensusResult) *proto.ConsensusRecord {
	if res == nil {
		return nil
	}
	record := &proto.ConsensusRecord{
		Aligned:       res.Aligned,
		Rounds:        res.Rounds,
		FinalDecision: res.FinalDecision,
		DecidedBy:     res.DecidedBy,
		Status:        res.Status,
		Similarity:    res.ProposalSimilarity,
		DurationMS:    res.DurationMS,
		Timestamp:     res.Timestamp,
	}
	if res.UsedEscalation {
		record.Note = fmt.Sprintf("escalation used, settled after %d rounds", res.Rounds)
	}
	return record
}
