package proto

import (
	"fmt"
	"time"
)

// ProposalLabel is the anonymized identity a proposal carries into alignment
// checking. The executor/reviewer-to-label mapping is randomized per session
// so the check is blind to provenance.
type ProposalLabel string

const (
	// LabelA is the first anonymized proposal slot.
	LabelA ProposalLabel = "A"

	// LabelB is the second anonymized proposal slot.
	LabelB ProposalLabel = "B"
)

// ProposalSource identifies the authoring side of a proposal. It stays inside
// the process: serialized output and alignment checks see labels only.
type ProposalSource string

const (
	// SourceExecutor marks a proposal authored by the executor side.
	SourceExecutor ProposalSource = "executor"

	// SourceReviewer marks a proposal authored by the reviewer side.
	SourceReviewer ProposalSource = "reviewer"
)

// DecidedBy records how a consensus session settled on its final decision.
type DecidedBy string

const (
	// DecidedByConsensus means both sides aligned on a shared approach.
	DecidedByConsensus DecidedBy = "consensus"

	// DecidedByExecutor means rounds were exhausted without alignment and the
	// executor's proposal won by default.
	DecidedByExecutor DecidedBy = "executor"

	// DecidedByUser means an operator supplied the decision directly.
	DecidedByUser DecidedBy = "user"
)

// ParseDecidedBy validates a raw string against the known decision sources.
func ParseDecidedBy(s string) (DecidedBy, error) {
	switch DecidedBy(s) {
	case DecidedByConsensus, DecidedByExecutor, DecidedByUser:
		return DecidedBy(s), nil
	default:
		return "", fmt.Errorf("unknown decided_by value: %q", s)
	}
}

// ConsensusStatus is the terminal disposition of a consensus session.
type ConsensusStatus string

const (
	// ConsensusResolved means the session ran to a decision, aligned or not.
	ConsensusResolved ConsensusStatus = "resolved"

	// ConsensusTimeout means the session-level deadline expired and the
	// result is best-effort partial. Kept distinct from the executor
	// tie-break so callers can tell the two apart.
	ConsensusTimeout ConsensusStatus = "timeout"
)

// Proposal is one side's suggested approach for a contested step in one
// round. Never mutated after creation.
type Proposal struct {
	Round          int           `json:"round"`
	Label          ProposalLabel `json:"label"`
	Content        string        `json:"content"`
	Reasoning      string        `json:"reasoning,omitempty"`
	UsedEscalation bool          `json:"used_escalation,omitempty"`
	SubmittedAt    time.Time     `json:"submitted_at"`

	// Source never leaves the process.
	Source ProposalSource `json:"-"`
}

// ConsensusResult is the full outcome of a consensus session, proposals
// included. Produced once per session and condensed to a ConsensusRecord for
// storage on the step.
type ConsensusResult struct {
	StepID             string          `json:"step_id"`
	Aligned            bool            `json:"aligned"`
	FinalDecision      string          `json:"final_decision"`
	DecidedBy          DecidedBy       `json:"decided_by"`
	Rounds             int             `json:"rounds"`
	Proposals          []*Proposal     `json:"proposals"`
	UsedEscalation     bool            `json:"used_escalation"`
	ProposalSimilarity float64         `json:"proposal_similarity"`
	Status             ConsensusStatus `json:"status"`
	DurationMS         int64           `json:"duration_ms"`
	Timestamp          time.Time       `json:"timestamp"`
}

// ConsensusRecord is the condensed consensus outcome persisted on a step.
type ConsensusRecord struct {
	Aligned       bool            `json:"aligned"`
	Rounds        int             `json:"rounds"`
	FinalDecision string          `json:"final_decision"`
	DecidedBy     DecidedBy       `json:"decided_by"`
	Status        ConsensusStatus `json:"status"`
	Similarity    float64         `json:"similarity,omitempty"`
	Note          string          `json:"note,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
