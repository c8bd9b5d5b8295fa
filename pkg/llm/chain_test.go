package llm

import (
	"context"
	"fmt"
	"testing"
)

// TestWrapClient tests the WrapClient helper function.
func TestWrapClient(t *testing.T) {
	completeCalled := false
	streamCalled := false
	modelNameCalled := false

	client := WrapClient(
		func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			completeCalled = true
			return CompletionResponse{Content: "wrapped"}, nil
		},
		func(_ context.Context, _ CompletionRequest) (<-chan StreamChunk, error) {
			streamCalled = true
			ch := make(chan StreamChunk)
			close(ch)
			return ch, nil
		},
		func() string {
			modelNameCalled = true
			return "wrapped-model"
		},
	)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})

	resp, err := client.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !completeCalled {
		t.Error("Complete function was not called")
	}
	if resp.Content != "wrapped" {
		t.Errorf("expected 'wrapped', got %q", resp.Content)
	}

	_, err = client.Stream(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !streamCalled {
		t.Error("Stream function was not called")
	}

	modelName := client.GetModelName()
	if !modelNameCalled {
		t.Error("GetModelName function was not called")
	}
	if modelName != "wrapped-model" {
		t.Errorf("expected 'wrapped-model', got %q", modelName)
	}
}

// passthroughMiddleware builds a middleware that transforms the response
// content with fn but otherwise delegates to next.
func passthroughMiddleware(fn func(string) string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}
				resp.Content = fn(resp.Content)
				return resp, nil
			},
			func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			func() string {
				return next.GetModelName()
			},
		)
	}
}

// TestChainOrdering tests that earlier middlewares are outermost.
func TestChainOrdering(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	mw1 := passthroughMiddleware(func(s string) string { return "mw1:" + s })
	mw2 := passthroughMiddleware(func(s string) string { return s + ":mw2" })
	mw3 := passthroughMiddleware(func(s string) string { return "[" + s + "]" })

	// Chain middlewares: mw1 -> mw2 -> mw3 -> base
	client := Chain(base, mw1, mw2, mw3)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	resp, err := client.Complete(ctx, req)

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Transformation order: base="base" -> mw3="[base]" -> mw2="[base]:mw2" -> mw1="mw1:[base]:mw2"
	expected := "mw1:[base]:mw2"
	if resp.Content != expected {
		t.Errorf("expected %q, got %q", expected, resp.Content)
	}
}

// TestChainRequestModification tests middleware that modifies requests.
func TestChainRequestModification(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{
				Content: fmt.Sprintf("temp=%.1f", req.Temperature),
			}, nil
		},
	}

	tempMiddleware := func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				req.Temperature = 0.9
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			func() string {
				return next.GetModelName()
			},
		)
	}

	client := Chain(base, tempMiddleware)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	req.Temperature = 0.5

	resp, err := client.Complete(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if resp.Content != "temp=0.9" {
		t.Errorf("expected 'temp=0.9', got %q", resp.Content)
	}
}

// TestChainErrorPropagation tests middleware error propagation.
func TestChainErrorPropagation(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{}, fmt.Errorf("base error")
		},
	}

	errorMiddleware := func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, fmt.Errorf("middleware wrapper: %w", err)
				}
				return resp, nil
			},
			func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			func() string {
				return next.GetModelName()
			},
		)
	}

	client := Chain(base, errorMiddleware)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	_, err := client.Complete(ctx, req)

	if err == nil {
		t.Error("expected error, got nil")
	}
	if err.Error() != "middleware wrapper: base error" {
		t.Errorf("expected 'middleware wrapper: base error', got %q", err.Error())
	}
}

// TestChainNoMiddlewares tests chain with no middlewares (just base client).
func TestChainNoMiddlewares(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	client := Chain(base)

	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})
	resp, err := client.Complete(ctx, req)

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resp.Content != "base" {
		t.Errorf("expected 'base', got %q", resp.Content)
	}
}

// TestChainModelNamePropagation tests GetModelName through the chain.
func TestChainModelNamePropagation(t *testing.T) {
	base := &mockLLMClient{
		getModelNameFunc: func() string {
			return "base-model-v1"
		},
	}

	mw := passthroughMiddleware(func(s string) string { return s })
	client := Chain(base, mw, mw)

	if got := client.GetModelName(); got != "base-model-v1" {
		t.Errorf("expected 'base-model-v1', got %q", got)
	}
}
