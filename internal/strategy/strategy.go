// Package strategy holds the analysis workers: LLM-driven extractors and
// pure-graph algorithms. Each strategy is stateless and reentrant;
// concurrent Analyze calls are safe.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
)

// Strategy is one analytical algorithm selected by analysis kind.
type Strategy interface {
	// Name identifies the strategy in logs and registries.
	Name() string

	// CanHandle reports whether the strategy serves the given kind.
	CanHandle(kind domain.AnalysisKind) bool

	// Analyze runs the algorithm. Capability failures become
	// success=false results; an error return is reserved for unexpected
	// conditions and is wrapped by the engine.
	Analyze(ctx context.Context, req domain.AnalysisRequest, oracle llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error)
}

// Parameter helpers. Request parameters arrive as a JSON-like tree, so
// numbers may be float64 and lists []interface{}.

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func boolParam(params map[string]interface{}, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// decodeJSONResponse parses an LLM response expected to be a JSON object.
// Models occasionally wrap JSON in a markdown fence; strip it before
// failing.
func decodeJSONResponse(text string, target interface{}) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), target); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	return nil
}
