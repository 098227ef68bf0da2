package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
)

// defaultEntityTypes are the coarse classes offered to the model when the
// caller does not constrain them.
var defaultEntityTypes = []string{
	"person", "organization", "location", "event",
	"document", "account", "vehicle", "communication",
}

// EntityExtraction pulls typed entities out of unstructured text via the
// LLM and persists them, merging with previously known entities.
type EntityExtraction struct {
	logger *logging.Logger
}

// NewEntityExtraction creates the extraction strategy.
func NewEntityExtraction() *EntityExtraction {
	return &EntityExtraction{logger: logging.GetLogger("strategy.extraction")}
}

// Name implements Strategy.Name.
func (s *EntityExtraction) Name() string { return "entity_extraction" }

// CanHandle implements Strategy.CanHandle.
func (s *EntityExtraction) CanHandle(kind domain.AnalysisKind) bool {
	return kind == domain.KindEntityExtraction
}

type extractedEntity struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Confidence float64                `json:"confidence"`
}

// Analyze implements Strategy.Analyze.
func (s *EntityExtraction) Analyze(ctx context.Context, req domain.AnalysisRequest, oracle llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error) {
	start := time.Now()

	text := stringParam(req.Parameters, "text", "")
	if text == "" {
		return domain.NewFailure(req, "text parameter is required for entity extraction"), nil
	}
	entityTypes := stringSliceParam(req.Parameters, "entity_types")
	if len(entityTypes) == 0 {
		entityTypes = defaultEntityTypes
	}
	deduplicate := boolParam(req.Parameters, "deduplicate", true)

	response, err := oracle.Complete(ctx, llm.CompletionRequest{
		Prompt:         s.buildPrompt(text, entityTypes),
		SystemPrompt:   "You are an investigative analyst extracting entities from evidence text.",
		Temperature:    0.3,
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		return domain.NewFailure(req, "LLM completion failed: %v", err), nil
	}

	var parsed struct {
		Entities []extractedEntity `json:"entities"`
	}
	if err := decodeJSONResponse(response, &parsed); err != nil {
		return domain.NewFailure(req, "failed to parse extraction response: %v", err), nil
	}

	stored := make([]map[string]interface{}, 0, len(parsed.Entities))
	mergedCount := 0
	var warnings []string

	for _, record := range parsed.Entities {
		if record.Name == "" || record.Type == "" {
			continue
		}

		entity := domain.Entity{
			ID:         domain.SynthesizeEntityID(record.Type, record.Name),
			Name:       record.Name,
			Type:       strings.ToLower(record.Type),
			Properties: record.Properties,
			Confidence: record.Confidence,
			Source:     "llm_extraction",
			Timestamp:  time.Now().UTC(),
		}

		if deduplicate {
			merged, didMerge, err := s.mergeExisting(ctx, backend, entity)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("dedup lookup failed for %s: %v", entity.ID, err))
			} else if didMerge {
				entity = merged
				mergedCount++
			}
		}

		if err := backend.AddEntity(ctx, entity); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to store %s: %v", entity.ID, err))
			continue
		}

		stored = append(stored, map[string]interface{}{
			"id":         entity.ID,
			"name":       entity.Name,
			"type":       entity.Type,
			"properties": entity.Properties,
			"confidence": entity.Confidence,
		})
	}

	result := domain.NewSuccess(req, map[string]interface{}{"entities": stored})
	result.Metadata["entities_extracted"] = len(parsed.Entities)
	result.Metadata["entities_stored"] = len(stored)
	result.Metadata["merged_count"] = mergedCount
	result.Errors = warnings
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// mergeExisting looks up an exact {name, type} match and folds the new
// record into it: union of properties with the new value winning, blended
// confidence, original id and source preserved.
func (s *EntityExtraction) mergeExisting(ctx context.Context, backend graph.Backend, entity domain.Entity) (domain.Entity, bool, error) {
	matches, err := backend.SearchEntities(ctx, map[string]interface{}{
		"name": entity.Name,
		"type": entity.Type,
	})
	if err != nil {
		return entity, false, err
	}
	if len(matches) == 0 {
		return entity, false, nil
	}

	existing := matches[0]
	merged := existing.Clone()
	if merged.Properties == nil && len(entity.Properties) > 0 {
		merged.Properties = make(map[string]interface{}, len(entity.Properties))
	}
	for key, value := range entity.Properties {
		merged.Properties[key] = value
	}
	merged.Confidence = 0.7*existing.Confidence + 0.3*entity.Confidence
	if merged.Confidence > 1.0 {
		merged.Confidence = 1.0
	}
	merged.Timestamp = entity.Timestamp
	return merged, true, nil
}

func (s *EntityExtraction) buildPrompt(text string, entityTypes []string) string {
	return fmt.Sprintf(`Extract every entity from the following text.

Allowed entity types: %s

Return a JSON object of the form:
{"entities": [{"name": "...", "type": "...", "properties": {}, "confidence": 0.0}]}

Confidence is a number between 0 and 1. Include only entities actually
mentioned in the text.

Text:
%s`, strings.Join(entityTypes, ", "), text)
}
