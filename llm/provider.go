// Package llm provides LLM provider abstractions.
//
// LLM Provider interface - the abstract interface for LLM providers.
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Provider-specific error handling
// - Streaming transport details

package llm

import (
	"context"
)

// Provider defines the abstract interface for LLM providers.
// Implementations hide provider-specific details while exposing
// a consistent interface for chat completions.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Complete sends a chat completion request and returns the full reply.
	Complete(ctx context.Context, messages []ChatMessage) (Response, error)

	// StreamComplete streams a chat completion, sending text fragments to the
	// provided channel as they arrive. Returns token usage (available in the
	// final chunk when supported by the provider).
	StreamComplete(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error)
}
