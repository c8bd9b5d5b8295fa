package reviewer

import (
	"time"

	"pairvibe/pkg/proto"
)

// Runner state constants. The runner shares the common state vocabulary; it
// has no ERROR state because every review failure is handled in-loop.
const (
	// StateIdle - constructed or reset, ready to start.
	StateIdle = proto.StateIdle

	// StateRunning - the lookahead loop is scanning.
	StateRunning = proto.StateRunning

	// StatePaused - cooperatively suspended between steps.
	StatePaused = proto.StatePaused

	// StateStopped - terminal until reset.
	StateStopped = proto.StateStopped
)

// reviewerTransitions defines the canonical state transition map for the
// lookahead runner.
var reviewerTransitions = map[proto.State][]proto.State{
	// IDLE can transition to RUNNING when Start is called
	StateIdle: {StateRunning},

	// RUNNING can transition to PAUSED on pause, or STOPPED on stop/catch-up
	StateRunning: {StatePaused, StateStopped},

	// PAUSED can transition back to RUNNING on resume, or STOPPED on stop
	StatePaused: {StateRunning, StateStopped},

	// STOPPED can transition to IDLE via reset
	StateStopped: {StateIdle},
}

// ValidNextStates returns the allowed next states for a given state.
func ValidNextStates(from proto.State) []proto.State {
	return reviewerTransitions[from]
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

// DefaultPollInterval is how often the loop re-checks pause/abort flags and
// window movement while it has nothing to review.
const DefaultPollInterval = 100 * time.Millisecond

// DefaultMaxSearchQueries bounds the grounding queries issued per step.
const DefaultMaxSearchQueries = 3
