package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisRequest asks the engine for one analytical result. All three maps
// are free-form; the engine's cache key covers all of them plus the kind.
type AnalysisRequest struct {
	Kind        AnalysisKind           `json:"kind"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// AnalysisResult is the uniform return shape of every strategy and of the
// engine itself. Failures are values: Success=false plus Errors, never a
// panic or a raw error crossing the strategy boundary.
type AnalysisResult struct {
	Request    AnalysisRequest        `json:"request"`
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Errors     []string               `json:"errors,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewFailure builds a failed result for the given request.
func NewFailure(req AnalysisRequest, format string, args ...interface{}) *AnalysisResult {
	return &AnalysisResult{
		Request:   req,
		Success:   false,
		Errors:    []string{fmt.Sprintf(format, args...)},
		Timestamp: time.Now().UTC(),
	}
}

// NewSuccess builds a successful result carrying the given data payload.
func NewSuccess(req AnalysisRequest, data map[string]interface{}) *AnalysisResult {
	return &AnalysisResult{
		Request:   req,
		Success:   true,
		Data:      data,
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
	}
}

// ToMap converts the result to a JSON-compatible map. Kind fields come out
// as snake_case tags and timestamps as ISO-8601 strings.
func (r *AnalysisResult) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize analysis result: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to round-trip analysis result: %w", err)
	}
	return out, nil
}

// ResultFromMap reconstitutes an AnalysisResult from its map form. The kind
// tag is parsed leniently so legacy snapshots load cleanly.
func ResultFromMap(m map[string]interface{}) (*AnalysisResult, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result map: %w", err)
	}

	var result AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis result: %w", err)
	}

	// Legacy snapshots may carry non-canonical kind tags.
	if !result.Request.Kind.Valid() && result.Request.Kind != "" {
		kind, err := ParseKind(string(result.Request.Kind))
		if err != nil {
			return nil, err
		}
		result.Request.Kind = kind
	}

	return &result, nil
}
