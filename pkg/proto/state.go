package proto

// State is a state-machine state. Component packages define their own state
// constants and transition tables over this shared type; the constants below
// are the states every pairvibe state machine has in common.
type State string

const (
	// StateIdle - constructed, no work started yet.
	StateIdle State = "IDLE"

	// StateRunning - actively processing.
	StateRunning State = "RUNNING"

	// StatePaused - cooperatively suspended, resumable.
	StatePaused State = "PAUSED"

	// StateStopped - terminal, stopped by request or by finishing.
	StateStopped State = "STOPPED"

	// StateError - terminal, stopped by an unrecovered failure.
	StateError State = "ERROR"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Phase is the externally visible activity of the engine, reported through
// phase-change events and restored when a paused run resumes.
type Phase string

const (
	// PhaseReview - the reviewer is scanning ahead of the executor.
	PhaseReview Phase = "review"

	// PhaseExecute - the executor is working through steps.
	PhaseExecute Phase = "execute"

	// PhaseConsensus - a consensus session is negotiating a contested step.
	PhaseConsensus Phase = "consensus"
)

// StopReason summarizes why a run ended.
type StopReason string

const (
	// StopCompleted - every step was processed.
	StopCompleted StopReason = "completed"

	// StopAborted - the run was cancelled by stop() or context cancellation.
	StopAborted StopReason = "aborted"

	// StopError - the run died on an unrecovered failure.
	StopError StopReason = "error"
)
