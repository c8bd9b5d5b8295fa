// Package llmerrors provides classified error types for LLM operations with
// per-type retry configuration. Provider adapters classify raw SDK errors
// into these types; the retry middleware reads the classification to decide
// whether and how to retry.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies LLM errors for retry and reporting decisions.
type ErrorType int8

const (
	// ErrorTypeUnknown is an unclassified error. Gets one cautious retry.
	ErrorTypeUnknown ErrorType = iota

	// ErrorTypeRateLimit indicates the provider throttled the request.
	ErrorTypeRateLimit

	// ErrorTypeTransient indicates a temporary failure (network, 5xx).
	ErrorTypeTransient

	// ErrorTypeEmptyResponse indicates the provider returned no content.
	ErrorTypeEmptyResponse

	// ErrorTypeAuth indicates an authentication or authorization failure.
	// Never retried: the key is wrong until someone fixes it.
	ErrorTypeAuth

	// ErrorTypeBadPrompt indicates a malformed or rejected request.
	// Never retried: the same prompt will fail the same way.
	ErrorTypeBadPrompt
)

// String returns a stable label for the error type, used in logs and metrics.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Default retry counts per error type - eventually overridable via config.
const (
	DefaultEmptyResponseRetries = 5
	DefaultRateLimitRetries     = 6
	DefaultTransientRetries     = 4
	DefaultAuthRetries          = 0
	DefaultBadPromptRetries     = 0
	DefaultUnknownRetries       = 1
)

// RetryConfig defines exponential backoff configuration for each error type.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides default retry configurations for each error type.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeEmptyResponse: {
		MaxRetries:    DefaultEmptyResponseRetries,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeRateLimit: {
		MaxRetries:    DefaultRateLimitRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		MaxRetries:    DefaultTransientRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAuth: {
		MaxRetries:    DefaultAuthRetries,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeBadPrompt: {
		MaxRetries:    DefaultBadPromptRetries,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeUnknown: {
		MaxRetries:    DefaultUnknownRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error represents a classified LLM error with retry metadata.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	BodyStub   string    // First portion of response body (guards PII)
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether this error type should be retried.
// Blocklist approach: only auth and bad-prompt failures are terminal,
// everything else gets at least one more attempt.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// GetRetryConfig returns the retry configuration for this error's type.
func (e *Error) GetRetryConfig() RetryConfig {
	if cfg, ok := DefaultRetryConfigs[e.Type]; ok {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is reports whether err is a classified Error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf extracts the error type from err, or ErrorTypeUnknown if err is
// not a classified Error.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// NewError creates a classified error with a message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a classified error with an HTTP status code.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a classified error wrapping an underlying cause.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// SanitizePrompt returns a short prefix of the prompt plus a content hash,
// safe for logs. The hash lets failures be correlated to exact prompts
// without storing the full text.
func SanitizePrompt(prompt string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 80
	}

	hash := sha256.Sum256([]byte(prompt))
	stub := prompt
	if len(stub) > maxChars {
		stub = stub[:maxChars] + "..."
	}

	return fmt.Sprintf("%s [sha256:%x]", stub, hash[:4])
}
