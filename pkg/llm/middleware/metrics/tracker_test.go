package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"pairvibe/pkg/llm"
)

// captureRecorder records every observation for assertions.
type captureRecorder struct {
	mu  sync.Mutex
	obs []capturedObservation
}

type capturedObservation struct {
	model, runID, role string
	promptTokens       int
	completionTokens   int
	cost               float64
	success            bool
	errorType          string
}

func (c *captureRecorder) ObserveRequest(
	model, runID, role string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	_ time.Duration,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, capturedObservation{
		model: model, runID: runID, role: role,
		promptTokens: promptTokens, completionTokens: completionTokens,
		cost: cost, success: success, errorType: errorType,
	})
}

func (c *captureRecorder) observations() []capturedObservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedObservation, len(c.obs))
	copy(out, c.obs)
	return out
}

func TestUsageTrackerAggregates(t *testing.T) {
	var updates []Usage
	tracker := NewUsageTracker(Nop(), func(u Usage) {
		updates = append(updates, u)
	})

	tracker.ObserveRequest("m", "run-1", "executor", 100, 50, 0.01, true, "", time.Second)
	tracker.ObserveRequest("m", "run-1", "reviewer", 200, 80, 0.02, true, "", time.Second)
	tracker.ObserveRequest("m", "run-1", "executor", 10, 5, 0.001, false, "transient", time.Second)

	total := tracker.Total()
	if total.RequestCount != 2 {
		t.Errorf("failed requests must not count, got %d", total.RequestCount)
	}
	if total.PromptTokens != 300 || total.CompletionTokens != 130 {
		t.Errorf("unexpected token totals: %+v", total)
	}
	if total.TotalTokens != 430 {
		t.Errorf("expected 430 total tokens, got %d", total.TotalTokens)
	}
	if total.TotalCost < 0.029 || total.TotalCost > 0.031 {
		t.Errorf("expected ~0.03 cost, got %f", total.TotalCost)
	}

	executor := tracker.ForRole("executor")
	if executor.RequestCount != 1 || executor.PromptTokens != 100 {
		t.Errorf("unexpected executor usage: %+v", executor)
	}
	if zero := tracker.ForRole("nobody"); zero.RequestCount != 0 {
		t.Errorf("unknown role should have zero usage, got %+v", zero)
	}

	if len(updates) != 2 {
		t.Errorf("onUpdate should fire per successful observation, got %d", len(updates))
	}
	if len(updates) == 2 && updates[1].TotalTokens != 430 {
		t.Errorf("final update should carry cumulative totals, got %+v", updates[1])
	}
}

func TestUsageTrackerDelegates(t *testing.T) {
	capture := &captureRecorder{}
	tracker := NewUsageTracker(capture, nil)

	tracker.ObserveRequest("m", "run-1", "executor", 10, 5, 0.001, false, "auth", time.Second)

	obs := capture.observations()
	if len(obs) != 1 {
		t.Fatalf("expected delegation even for failures, got %d observations", len(obs))
	}
	if obs[0].errorType != "auth" {
		t.Errorf("expected auth error type, got %q", obs[0].errorType)
	}
}

func TestMiddlewareRecordsSuccessAndFailure(t *testing.T) {
	capture := &captureRecorder{}

	okClient := llm.WrapClient(
		func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "four tokens maybe five"}, nil
		},
		func(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk)
			close(ch)
			return ch, nil
		},
		func() string { return "test-model" },
	)

	client := llm.Chain(okClient, Middleware(capture, nil, "run-42", "reviewer", nil))
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("count my tokens")})

	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	obs := capture.observations()
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}
	if obs[0].model != "test-model" || obs[0].runID != "run-42" || obs[0].role != "reviewer" {
		t.Errorf("unexpected labels: %+v", obs[0])
	}
	if !obs[0].success {
		t.Error("expected success observation")
	}
	if obs[0].promptTokens == 0 || obs[0].completionTokens == 0 {
		t.Errorf("expected estimated token counts, got %+v", obs[0])
	}
}
