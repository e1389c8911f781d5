package providers

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrLLMRateLimited marks a rate limit or resource exhaustion response from the model endpoint.
var ErrLLMRateLimited = errors.New("llm rate limited")

// StructuredRequest asks the model for a JSON document conforming to Schema.
type StructuredRequest struct {
	// Name identifies the schema to the endpoint
	Name         string
	SystemPrompt string
	UserPrompt   string
	Schema       json.RawMessage
	Temperature  float64
	MaxTokens    int
}

// LLMClient calls a language model that supports schema constrained output.
type LLMClient interface {
	// GenerateStructured returns the raw JSON document produced by the model
	GenerateStructured(ctx context.Context, req StructuredRequest) ([]byte, error)
}
