// Package llm provides the language-model providers behind the bot's
// open-ended replies, and the Gateway that turns any provider failure into
// a displayable string.
package llm

import "context"

// CompletionRequest holds parameters for a single-prompt completion.
type CompletionRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// CompletionResponse holds the provider's response.
type CompletionResponse struct {
	// Content is the first generated text; empty when the provider
	// answered but produced no text.
	Content string `json:"content"`
	Model   string `json:"model"`
	// Found reports whether the expected text field was present.
	Found bool `json:"found"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "gemini", "anthropic").
	Name() string

	// Configured reports whether the provider has credentials to make calls.
	Configured() bool

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }
