package model

import (
	"context"
	"errors"
)

// Usage reports token accounting for a model call
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client is the injected AI model boundary. Implementations wrap provider
// SDKs; the orchestrator core only sees this interface.
type Client interface {
	// Generate invokes a text/JSON model with a rendered prompt and keyed inputs
	Generate(ctx context.Context, modelID, prompt string, inputs map[string]string) (string, Usage, error)

	// Embed returns one vector per input text
	Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error)
}

// Sentinel error kinds model clients use to classify failures. The stage
// engine branches on these with errors.Is to decide retry behavior.
var (
	// ErrTransient marks timeouts, 5xx responses, and rate limits; retryable
	ErrTransient = errors.New("transient model error")

	// ErrRefusal marks a structured refusal from the model; not retryable
	ErrRefusal = errors.New("model refused the request")

	// ErrMalformedOutput marks output that violates the requested schema;
	// eligible for a single re-prompt when configured
	ErrMalformedOutput = errors.New("model output violates schema")

	// ErrQuotaExhausted marks a hard quota stop; not retryable
	ErrQuotaExhausted = errors.New("model quota exhausted")
)
