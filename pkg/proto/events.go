package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventSchemaVersion is stamped on every event and bumped whenever the
// serialized shape changes incompatibly. Consumers should skip versions they
// do not understand rather than fail.
const EventSchemaVersion = 1

// EventType identifies one kind of engine event.
type EventType string

const (
	EventPhaseChange       EventType = "phase-change"
	EventReviewerStarted   EventType = "reviewer-started"
	EventReviewerCompleted EventType = "reviewer-completed"
	EventReviewerTimeout   EventType = "reviewer-timeout"
	EventReviewerCaughtUp  EventType = "reviewer-caught-up"
	EventConsensusNeeded   EventType = "consensus-needed"

	EventExecutorStarted   EventType = "executor-started"
	EventExecutorCompleted EventType = "executor-completed"

	EventConsensusStarted   EventType = "consensus-started"
	EventConsensusRound     EventType = "consensus-round"
	EventConsensusCompleted EventType = "consensus-completed"
	EventConsensusTimeout   EventType = "consensus-timeout"

	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventError      EventType = "error"
	EventCostUpdate EventType = "cost-update"
)

// ParseEventType validates a raw string against the known event types.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventPhaseChange,
		EventReviewerStarted, EventReviewerCompleted, EventReviewerTimeout,
		EventReviewerCaughtUp, EventConsensusNeeded,
		EventExecutorStarted, EventExecutorCompleted,
		EventConsensusStarted, EventConsensusRound,
		EventConsensusCompleted, EventConsensusTimeout,
		EventPaused, EventResumed, EventError, EventCostUpdate:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type: %q", s)
	}
}

// Detail keys used in Event.Detail payloads.
const (
	KeyReason     = "reason"
	KeyIndex      = "index"
	KeyFindings   = "findings"
	KeyPasses     = "passes"
	KeyAligned    = "aligned"
	KeySimilarity = "similarity"
	KeyDecidedBy  = "decided_by"
	KeyRounds     = "rounds"
	KeyEscalated  = "escalated"
	KeyDurationMS = "duration_ms"
	KeyTokens     = "tokens"
	KeyCostUSD    = "cost_usd"
	KeyProvider   = "provider"
)

// Event is one entry in the engine's structured event stream. Producers fill
// the typed fields that apply and stash anything type-specific in Detail
// under the Key* constants. Delivery is fire-and-forget: no producer ever
// blocks on a sink.
type Event struct {
	ID        string         `json:"id"`
	Version   int            `json:"version"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	StepID    string         `json:"step_id,omitempty"`
	Phase     Phase          `json:"phase,omitempty"`
	State     State          `json:"state,omitempty"`
	Round     int            `json:"round,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewEvent creates a versioned event with a fresh ID and UTC timestamp.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Version:   EventSchemaVersion,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepEvent creates an event tied to a step.
func NewStepEvent(eventType EventType, stepID string) *Event {
	ev := NewEvent(eventType)
	ev.StepID = stepID
	return ev
}

// NewErrorEvent creates an error event carrying the error text.
func NewErrorEvent(err error) *Event {
	ev := NewEvent(EventError)
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// SetDetail stores a type-specific value, allocating the map on first use.
func (e *Event) SetDetail(key string, value any) {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
}
