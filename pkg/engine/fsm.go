package engine

import (
	"pairvibe/pkg/proto"
)

// Engine state constants.
const (
	// StateIdle - constructed, Run not called yet.
	StateIdle = proto.StateIdle

	// StateRunning - the executor loop is driving steps.
	StateRunning = proto.StateRunning

	// StatePaused - cooperatively suspended, resumable.
	StatePaused = proto.StatePaused

	// StateStopping - winding down: runners stopping, loop draining.
	StateStopping proto.State = "STOPPING"

	// StateStopped - terminal, the run finished or was aborted.
	StateStopped = proto.StateStopped

	// StateError - terminal, the run died on an unrecovered failure.
	StateError = proto.StateError
)

// engineTransitions defines the canonical state transition map for the
// engine. An engine serves one run; the terminals have no exits.
var engineTransitions = map[proto.State][]proto.State{
	// IDLE can transition to RUNNING when Run is called
	StateIdle: {StateRunning},

	// RUNNING can transition to PAUSED, begin winding down, or die on an
	// unrecovered failure
	StateRunning: {StatePaused, StateStopping, StateError},

	// PAUSED can transition back to RUNNING on resume, or to STOPPING on stop
	StatePaused: {StateRunning, StateStopping},

	// STOPPING can only complete the shutdown
	StateStopping: {StateStopped},

	// Terminals
	StateStopped: {},
	StateError:   {},
}

// ValidNextStates returns the allowed next states for a given state.
func ValidNextStates(from proto.State) []proto.State {
	return engineTransitions[from]
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

// IsTerminalState reports whether a state ends the run.
func IsTerminalState(state proto.State) bool {
	return state == StateStopped || state == StateError
}
