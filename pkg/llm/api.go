// Package llm defines the provider-neutral completion interface shared by
// every model client in pairvibe. Concrete providers live in the subpackages
// (anthropic, openai, ollama, google); cross-cutting behavior is layered on
// through middleware (see chain.go and the middleware subpackages).
package llm

import (
	"context"
	"fmt"
)

// CompletionRole identifies the author of a message in a completion request.
type CompletionRole string

const (
	// RoleSystem is the system prompt role.
	RoleSystem CompletionRole = "system"
	// RoleUser is the user message role.
	RoleUser CompletionRole = "user"
	// RoleAssistant is the assistant message role.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is the default temperature for review, proposal,
	// and judgment prompts.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is the temperature for alignment checks and
	// other prompts where we want the most stable answer available.
	TemperatureDeterministic = 0.2

	// DefaultMaxTokens is the response budget used when a caller does not
	// set one explicitly.
	DefaultMaxTokens = 4096
)

// CompletionMessage is a single message in a conversation.
type CompletionMessage struct {
	Role    CompletionRole `json:"role"`
	Content string         `json:"content"`
}

// CompletionRequest is a provider-neutral completion request.
type CompletionRequest struct {
	Messages    []CompletionMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float32             `json:"temperature"`
}

// CompletionResponse is a provider-neutral completion response.
type CompletionResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
}

// StreamChunk is a single chunk of a streaming completion.
type StreamChunk struct {
	Error   error  `json:"-"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// LLMClient is the interface implemented by all model clients.
//
//nolint:revive // Name kept for clarity at call sites (llm.LLMClient).
type LLMClient interface {
	// Complete performs a blocking completion request.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream performs a streaming completion request.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest builds a request with the package defaults applied.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage builds a system-role message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage builds a user-role message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant-role message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// LLMConfig carries the settings needed to construct a provider client.
//
//nolint:revive // Name kept for clarity at call sites (llm.LLMConfig).
type LLMConfig struct {
	Provider    string
	APIKey      string
	ModelName   string
	HostURL     string // Local providers only (Ollama).
	MaxTokens   int
	Temperature float32
}

// Validate checks that the configuration is usable. Local providers run
// without an API key; everything else needs one.
func (c *LLMConfig) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("model name is required")
	}
	if c.APIKey == "" && c.Provider != "ollama" {
		return fmt.Errorf("API key cannot be empty for provider %q", c.Provider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", c.Temperature)
	}
	return nil
}
