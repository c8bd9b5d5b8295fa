package metrics

import (
	"sync"
	"time"
)

// Usage is an aggregated snapshot of LLM consumption for a run.
type Usage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	LastUpdated      time.Time `json:"last_updated"`
}

// UsageTracker decorates a Recorder with in-memory aggregation so the engine
// can publish running cost totals without scraping Prometheus. Totals are
// kept overall and per role.
type UsageTracker struct {
	next     Recorder
	onUpdate func(Usage)

	mu     sync.RWMutex
	total  Usage
	byRole map[string]*Usage
}

// NewUsageTracker wraps next with usage aggregation. onUpdate, when non-nil,
// is called with a fresh total snapshot after every successful observation.
func NewUsageTracker(next Recorder, onUpdate func(Usage)) *UsageTracker {
	if next == nil {
		next = Nop()
	}
	return &UsageTracker{
		next:     next,
		onUpdate: onUpdate,
		byRole:   make(map[string]*Usage),
	}
}

// ObserveRequest implements Recorder.
func (t *UsageTracker) ObserveRequest(
	model, runID, role string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	t.next.ObserveRequest(model, runID, role, promptTokens, completionTokens, cost, success, errorType, duration)

	// Token and cost totals only accumulate on success.
	if !success {
		return
	}

	t.mu.Lock()
	now := time.Now()

	t.total.PromptTokens += int64(promptTokens)
	t.total.CompletionTokens += int64(completionTokens)
	t.total.TotalTokens = t.total.PromptTokens + t.total.CompletionTokens
	t.total.TotalCost += cost
	t.total.RequestCount++
	t.total.LastUpdated = now

	ru, ok := t.byRole[role]
	if !ok {
		ru = &Usage{}
		t.byRole[role] = ru
	}
	ru.PromptTokens += int64(promptTokens)
	ru.CompletionTokens += int64(completionTokens)
	ru.TotalTokens = ru.PromptTokens + ru.CompletionTokens
	ru.TotalCost += cost
	ru.RequestCount++
	ru.LastUpdated = now

	snapshot := t.total
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snapshot)
	}
}

// Total returns a snapshot of aggregate usage across all roles.
func (t *UsageTracker) Total() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ForRole returns a snapshot of usage for a single role. The zero Usage is
// returned for roles that have made no requests.
func (t *UsageTracker) ForRole(role string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ru, ok := t.byRole[role]; ok {
		return *ru
	}
	return Usage{}
}
