// Package openai provides an OpenAI client implementation using the official
// OpenAI Go package and its Responses API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"pairvibe/pkg/llm"
	"pairvibe/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI Go client to implement llm.LLMClient.
type Client struct {
	client openai.Client
	model  string

	// maxOutputTokens caps MaxTokens to the model's real limit when known,
	// preventing API rejections on oversized budgets. Zero means no cap.
	maxOutputTokens int
}

// NewClient creates a raw OpenAI client; middleware is applied at a higher level.
func NewClient(apiKey, model string) llm.LLMClient {
	return NewClientWithLimit(apiKey, model, 0)
}

// NewClientWithLimit creates an OpenAI client that caps output tokens at the
// given model limit.
func NewClientWithLimit(apiKey, model string, maxOutputTokens int) llm.LLMClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client:          client,
		model:           model,
		maxOutputTokens: maxOutputTokens,
	}
}

// Complete implements the llm.LLMClient interface via the Responses API.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	// The Responses API takes a single input string; fold the conversation
	// into one prompt with role prefixes.
	var inputText string
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			inputText += fmt.Sprintf("System: %s\n\n", msg.Content)
		case llm.RoleUser:
			inputText += msg.Content + "\n\n"
		case llm.RoleAssistant:
			inputText += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		}
	}

	maxTokens := in.MaxTokens
	if o.maxOutputTokens > 0 && maxTokens > o.maxOutputTokens {
		maxTokens = o.maxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "OpenAI Responses API failed")
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if content == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "OpenAI response contained no output text")
	}

	return llm.CompletionResponse{
		Content:    content,
		StopReason: "end_turn",
	}, nil
}

// Stream implements the llm.LLMClient interface by draining a Complete call.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, err := o.Complete(ctx, in)
		if err != nil {
			ch <- llm.StreamChunk{Error: err}
			return
		}
		ch <- llm.StreamChunk{Content: resp.Content}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}
