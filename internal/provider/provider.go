package provider

import (
	"context"
	"errors"
)

// Sentinel errors for provider operations.
var (
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrTimeout         = errors.New("request timed out")
	ErrInvalidResponse = errors.New("invalid response from provider")
)

// Request carries a completion prompt with its generation knobs.
// MaxTokens and Temperature are threaded per call so the budget meter
// can account for request shape.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completer generates text completions from a prompt.
type Completer interface {
	// Complete returns a text completion for the given request.
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterConfig holds configuration for creating a Completer.
type CompleterConfig struct {
	Type   string
	Model  string
	APIKey string
	URL    string
}
