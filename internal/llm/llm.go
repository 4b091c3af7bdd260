package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Client abstracts LLM providers that answer with a JSON document.
type Client interface {
	CompleteJSON(ctx context.Context, prompt Prompt) (json.RawMessage, error)
}

// Prompt is a single JSON completion request.
type Prompt struct {
	System string
	User   string
	// Schema optionally describes the expected JSON object. Providers that
	// support structured output enforce it; others receive it in the prompt.
	Schema  map[string]any
	Version string
}

// ErrNotConfigured is returned when no provider is wired.
var ErrNotConfigured = errors.New("LLM provider not configured")
