package consensus

import (
	"time"

	"pairvibe/pkg/proto"
)

// Session state constants. A runner serves exactly one session: the terminal
// states persist for inspection and a new session means a new runner.
const (
	// StateIdle - constructed, resolve not called yet.
	StateIdle = proto.StateIdle

	// StateRunning - a session is negotiating.
	StateRunning = proto.StateRunning

	// StateResolved - terminal, the session produced a result (aligned,
	// tie-break, or timeout).
	StateResolved proto.State = "RESOLVED"

	// StateCancelled - terminal, the session was cancelled mid-flight.
	StateCancelled proto.State = "CANCELLED"

	// StateError - terminal, every round failed and no decision exists.
	StateError = proto.StateError
)

// consensusTransitions defines the canonical state transition map for a
// consensus session.
var consensusTransitions = map[proto.State][]proto.State{
	// IDLE can transition to RUNNING when resolve is called
	StateIdle: {StateRunning},

	// RUNNING can transition to any terminal
	StateRunning: {StateResolved, StateCancelled, StateError},

	// Terminals have no exits; a new session uses a new runner
	StateResolved:  {},
	StateCancelled: {},
	StateError:     {},
}

// ValidNextStates returns the allowed next states for a given state.
func ValidNextStates(from proto.State) []proto.State {
	return consensusTransitions[from]
}

// IsValidTransition checks if a transition between two states is allowed.
func IsValidTransition(from, to proto.State) bool {
	for _, state := range ValidNextStates(from) {
		if state == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether a state ends the session.
func IsTerminalState(state proto.State) bool {
	return state == StateResolved || state == StateCancelled || state == StateError
}

// Sycophancy guard thresholds. Sessions that align instantly with
// near-identical proposals, or whose reasoning on both sides is skeletal,
// are flagged for the risk counter without altering the decision.
const (
	// SycophancySimilarity is the round-1 similarity above which an
	// immediate alignment looks suspicious.
	SycophancySimilarity = 0.95

	// SycophancyDuration is the session duration below which an immediate
	// alignment looks suspicious.
	SycophancyDuration = 30 * time.Second

	// SycophancyMinReasoning is the reasoning length under which both
	// sides' justifications count as suspiciously short.
	SycophancyMinReasoning = 40
)

// DefaultMaxSearchQueries bounds grounding searches per escalation round.
const DefaultMaxSearchQueries = 2
