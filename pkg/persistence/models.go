package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pairvibe/pkg/proto"
)

// Run represents one engine run over a plan.
//
//nolint:govet // struct alignment optimization not critical for this type
type Run struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id,omitempty"`
	PlanName    string     `json:"plan_name"`
	Status      string     `json:"status"`
	StopReason  string     `json:"stop_reason,omitempty"`
	AbortReason string     `json:"abort_reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	ConfigJSON  string     `json:"config_json,omitempty"`

	StepsTotal            int `json:"steps_total"`
	StepsPassed           int `json:"steps_passed"`
	StepsFailed           int `json:"steps_failed"`
	ReviewTimeouts        int `json:"review_timeouts"`
	ConsensusSessions     int `json:"consensus_sessions"`
	ManualTriggers        int `json:"manual_triggers"`
	ExecutedWithoutReview int `json:"executed_without_review"`
	SycophancyFlags       int `json:"sycophancy_flags"`

	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Run status constants.
const (
	RunStatusActive    = "active"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
	RunStatusError     = "error"
	RunStatusCrashed   = "crashed" // Found active at startup; the process died
)

// ValidRunStatuses returns all valid run statuses.
func ValidRunStatuses() []string {
	return []string{
		RunStatusActive,
		RunStatusCompleted,
		RunStatusAborted,
		RunStatusError,
		RunStatusCrashed,
	}
}

// IsValidRunStatus checks if a status string is valid.
func IsValidRunStatus(status string) bool {
	for _, validStatus := range ValidRunStatuses() {
		if status == validStatus {
			return true
		}
	}
	return false
}

// StepResult is the persisted outcome of one step within a run. FindingsJSON
// and ConsensusJSON keep the step's nil/empty distinction: a NULL findings
// column means the step was never reviewed.
//
//nolint:govet // struct alignment optimization not critical for this type
type StepResult struct {
	RunID                 string     `json:"run_id"`
	StepID                string     `json:"step_id"`
	Position              int        `json:"position"`
	Title                 string     `json:"title"`
	Passes                bool       `json:"passes"`
	ExecError             string     `json:"exec_error,omitempty"`
	FindingsJSON          *string    `json:"findings_json,omitempty"`
	ConsensusJSON         *string    `json:"consensus_json,omitempty"`
	ExecutedWithoutReview bool       `json:"executed_without_review"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// Findings unmarshals the findings column, nil when the step was unreviewed.
func (s *StepResult) Findings() ([]string, error) {
	if s.FindingsJSON == nil {
		return nil, nil
	}
	var findings []string
	if err := json.Unmarshal([]byte(*s.FindingsJSON), &findings); err != nil {
		return nil, fmt.Errorf("decode findings for step %s: %w", s.StepID, err)
	}
	if findings == nil {
		findings = []string{}
	}
	return findings, nil
}

// StepResultFromStep converts a step snapshot at the given plan position into
// its persisted form.
func StepResultFromStep(runID string, position int, step *proto.Step) (*StepResult, error) {
	if step == nil {
		return nil, fmt.Errorf("nil step")
	}
	result := &StepResult{
		RunID:                 runID,
		StepID:                step.ID,
		Position:              position,
		Title:                 step.Title,
		Passes:                step.Passes,
		ExecError:             step.ExecError,
		ExecutedWithoutReview: step.ExecutedWithoutReview,
		StartedAt:             step.StartedAt,
		CompletedAt:           step.CompletedAt,
	}
	if step.Findings != nil {
		raw, err := json.Marshal(step.Findings)
		if err != nil {
			return nil, fmt.Errorf("encode findings for step %s: %w", step.ID, err)
		}
		s := string(raw)
		result.FindingsJSON = &s
	}
	if step.Consensus != nil {
		raw, err := json.Marshal(step.Consensus)
		if err != nil {
			return nil, fmt.Errorf("encode consensus for step %s: %w", step.ID, err)
		}
		s := string(raw)
		result.ConsensusJSON = &s
	}
	return result, nil
}

// ConsensusSession is the audit record of one full consensus session,
// proposals included. The step itself only carries the condensed record;
// this table is where post-run inspection finds the whole negotiation.
//
//nolint:govet // struct alignment optimization not critical for this type
type ConsensusSession struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	StepID         string    `json:"step_id"`
	Aligned        bool      `json:"aligned"`
	Rounds         int       `json:"rounds"`
	DecidedBy      string    `json:"decided_by"`
	Status         string    `json:"status"`
	Similarity     float64   `json:"similarity"`
	UsedEscalation bool      `json:"used_escalation"`
	FinalDecision  string    `json:"final_decision"`
	ProposalsJSON  string    `json:"proposals_json"`
	DurationMS     int64     `json:"duration_ms"`
}

// Proposals unmarshals the stored proposal list.
func (c *ConsensusSession) Proposals() ([]*proto.Proposal, error) {
	if c.ProposalsJSON == "" {
		return nil, nil
	}
	var proposals []*proto.Proposal
	if err := json.Unmarshal([]byte(c.ProposalsJSON), &proposals); err != nil {
		return nil, fmt.Errorf("decode proposals for session %s: %w", c.ID, err)
	}
	return proposals, nil
}

// ConsensusSessionFromResult converts a full session result into its audit
// record.
func ConsensusSessionFromResult(runID string, result *proto.ConsensusResult) (*ConsensusSession, error) {
	if result == nil {
		return nil, fmt.Errorf("nil consensus result")
	}
	raw, err := json.Marshal(result.Proposals)
	if err != nil {
		return nil, fmt.Errorf("encode proposals for step %s: %w", result.StepID, err)
	}
	created := result.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &ConsensusSession{
		ID:             NewRecordID(),
		RunID:          runID,
		StepID:         result.StepID,
		Aligned:        result.Aligned,
		Rounds:         result.Rounds,
		DecidedBy:      string(result.DecidedBy),
		Status:         string(result.Status),
		Similarity:     result.ProposalSimilarity,
		UsedEscalation: result.UsedEscalation,
		FinalDecision:  result.FinalDecision,
		ProposalsJSON:  string(raw),
		DurationMS:     result.DurationMS,
		CreatedAt:      created,
	}, nil
}

// EventRecord is one archived engine event.
//
//nolint:govet // struct alignment optimization not critical for this type
type EventRecord struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	StepID     string    `json:"step_id,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	State      string    `json:"state,omitempty"`
	Round      int       `json:"round,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	DetailJSON string    `json:"detail_json,omitempty"`
}

// EventRecordFromProto converts an engine event into its archived form.
func EventRecordFromProto(runID string, ev *proto.Event) (*EventRecord, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	record := &EventRecord{
		ID:        ev.ID,
		RunID:     runID,
		Type:      string(ev.Type),
		StepID:    ev.StepID,
		Phase:     string(ev.Phase),
		State:     string(ev.State),
		Round:     ev.Round,
		Message:   ev.Message,
		Error:     ev.Error,
		CreatedAt: ev.Timestamp,
	}
	if record.ID == "" {
		record.ID = NewRecordID()
	}
	if len(ev.Detail) > 0 {
		raw, err := json.Marshal(ev.Detail)
		if err != nil {
			return nil, fmt.Errorf("encode event detail: %w", err)
		}
		record.DetailJSON = string(raw)
	}
	return record, nil
}

// NewRecordID generates a UUID for a persistence record.
func NewRecordID() string {
	return uuid.New().String()
}

// RunFilter represents criteria for querying runs.
type RunFilter struct {
	Status *string `json:"status,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

// RunSummary represents aggregated outcomes for one run.
type RunSummary struct {
	LastCompleted     *time.Time `json:"last_completed,omitempty"`
	RunID             string     `json:"run_id"`
	TotalSteps        int        `json:"total_steps"`
	PassedSteps       int        `json:"passed_steps"`
	FailedSteps       int        `json:"failed_steps"`
	UnreviewedSteps   int        `json:"unreviewed_steps"`
	ConsensusSessions int        `json:"consensus_sessions"`
	AlignedSessions   int        `json:"aligned_sessions"`
	TotalTokens       int64      `json:"total_tokens"`
	TotalCost         float64    `json:"total_cost"`
}
