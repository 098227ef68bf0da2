// Package llm defines the completion oracle contract consumed by the
// analysis strategies, vendor adapters for Anthropic and Gemini, and a
// rate-limited caching client that wraps any oracle.
package llm

import (
	"context"
	"errors"
)

// ResponseFormatJSON asks the oracle for a response that parses as a single
// JSON object. It is a hint; callers still validate the returned text.
const ResponseFormatJSON = "json_object"

// ErrNoFunctionCall is returned when a function-calling completion comes
// back without any function invocation.
var ErrNoFunctionCall = errors.New("model returned no function call")

// CompletionRequest is a single prompt for the oracle.
type CompletionRequest struct {
	Prompt         string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int    // 0 means the adapter default
	ResponseFormat string // "" or ResponseFormatJSON
}

// FunctionDef describes one callable function offered to the model.
type FunctionDef struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object: {"type": "object", "properties": ...}.
	Parameters map[string]interface{}
}

// FunctionCall is the model's choice of function plus decoded arguments.
type FunctionCall struct {
	Function  string
	Arguments map[string]interface{}
}

// Oracle is the narrow LLM contract. Implementations must be safe for
// concurrent use.
type Oracle interface {
	// Complete returns the raw completion text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// CompleteWithFunctions offers the given functions to the model and
	// returns its invocation, or ErrNoFunctionCall.
	CompleteWithFunctions(ctx context.Context, req CompletionRequest, functions []FunctionDef) (*FunctionCall, error)

	// EstimateTokens approximates the token count of a text.
	EstimateTokens(text string) int

	// Model returns the model identifier requests are routed to.
	Model() string
}

// estimateTokens is the shared heuristic: roughly four characters per token
// for English prose. Good enough for bucket accounting; adapters without a
// native tokenizer all use it.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}
