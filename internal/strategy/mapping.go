package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
)

// defaultRelationshipTypes is the whitelist applied when the request
// carries no constraint.
var defaultRelationshipTypes = []string{
	"knows", "works_for", "owns", "located_in", "member_of",
	"communicates_with", "transacted_with", "related_to",
	"manages", "travelled_to", "present_at",
}

// maxEntityLoad caps how many entities the strategy pulls from the graph
// when the request names none.
const maxEntityLoad = 100

// RelationshipMapping asks the LLM to connect known entities and persists
// the inferred relationships.
type RelationshipMapping struct {
	logger *logging.Logger
}

// NewRelationshipMapping creates the mapping strategy.
func NewRelationshipMapping() *RelationshipMapping {
	return &RelationshipMapping{logger: logging.GetLogger("strategy.mapping")}
}

// Name implements Strategy.Name.
func (s *RelationshipMapping) Name() string { return "relationship_mapping" }

// CanHandle implements Strategy.CanHandle.
func (s *RelationshipMapping) CanHandle(kind domain.AnalysisKind) bool {
	return kind == domain.KindRelationshipMapping
}

type mappedRelationship struct {
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Confidence float64                `json:"confidence"`
}

// Analyze implements Strategy.Analyze.
func (s *RelationshipMapping) Analyze(ctx context.Context, req domain.AnalysisRequest, oracle llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error) {
	start := time.Now()

	entities, err := s.resolveEntities(ctx, req, backend)
	if err != nil {
		return domain.NewFailure(req, "failed to load entities: %v", err), nil
	}
	if len(entities) < 2 {
		return domain.NewFailure(req, "relationship mapping requires at least 2 entities, got %d", len(entities)), nil
	}

	whitelist := stringSliceParam(req.Constraints, "relationship_types")
	if len(whitelist) == 0 {
		whitelist = defaultRelationshipTypes
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, t := range whitelist {
		allowed[strings.ToLower(t)] = true
	}
	inferImplicit := boolParam(req.Parameters, "infer_implicit", false)

	response, err := oracle.Complete(ctx, llm.CompletionRequest{
		Prompt:         s.buildPrompt(entities, whitelist, inferImplicit),
		SystemPrompt:   "You are an investigative analyst mapping relationships between known entities.",
		Temperature:    0.3,
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		return domain.NewFailure(req, "LLM completion failed: %v", err), nil
	}

	var parsed struct {
		Relationships []mappedRelationship `json:"relationships"`
	}
	if err := decodeJSONResponse(response, &parsed); err != nil {
		return domain.NewFailure(req, "failed to parse mapping response: %v", err), nil
	}

	// Names come back from the model; resolve them against the loaded set.
	byName := make(map[string]domain.Entity, len(entities))
	for _, entity := range entities {
		byName[domain.NormalizeName(entity.Name)] = entity
	}

	stored := make([]map[string]interface{}, 0, len(parsed.Relationships))
	var warnings []string

	for _, record := range parsed.Relationships {
		relType := strings.ToLower(record.Type)
		if !allowed[relType] {
			warnings = append(warnings, fmt.Sprintf("relationship type %q not in whitelist, skipped", record.Type))
			continue
		}

		source, sourceOK := byName[domain.NormalizeName(record.Source)]
		target, targetOK := byName[domain.NormalizeName(record.Target)]
		if !sourceOK || !targetOK {
			s.logger.Warn("Unmatched relationship endpoint %q -> %q, skipping", record.Source, record.Target)
			warnings = append(warnings, fmt.Sprintf("unmatched endpoint in %q -> %q", record.Source, record.Target))
			continue
		}

		rel := domain.Relationship{
			ID:         fmt.Sprintf("%s_%s_%s_%s", source.ID, target.ID, relType, uuid.New().String()[:8]),
			SourceID:   source.ID,
			TargetID:   target.ID,
			Type:       relType,
			Properties: record.Properties,
			Confidence: record.Confidence,
			Timestamp:  time.Now().UTC(),
		}
		if err := backend.AddRelationship(ctx, rel); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to store %s: %v", rel.ID, err))
			continue
		}

		stored = append(stored, map[string]interface{}{
			"id":         rel.ID,
			"source_id":  rel.SourceID,
			"target_id":  rel.TargetID,
			"type":       rel.Type,
			"confidence": rel.Confidence,
		})
	}

	result := domain.NewSuccess(req, map[string]interface{}{"relationships": stored})
	result.Metadata["relationships_found"] = len(parsed.Relationships)
	result.Metadata["relationships_stored"] = len(stored)
	result.Metadata["entities_considered"] = len(entities)
	result.Errors = warnings
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func (s *RelationshipMapping) resolveEntities(ctx context.Context, req domain.AnalysisRequest, backend graph.Backend) ([]domain.Entity, error) {
	ids := stringSliceParam(req.Parameters, "entity_ids")
	if len(ids) == 0 {
		return backend.GetEntities(ctx, nil, maxEntityLoad)
	}

	entities := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		entity, err := backend.GetEntity(ctx, id)
		if err != nil {
			s.logger.Warn("Entity %s not found, skipping: %v", id, err)
			continue
		}
		entities = append(entities, *entity)
	}
	return entities, nil
}

func (s *RelationshipMapping) buildPrompt(entities []domain.Entity, whitelist []string, inferImplicit bool) string {
	roster := make([]map[string]interface{}, 0, len(entities))
	for _, entity := range entities {
		roster = append(roster, map[string]interface{}{
			"name": entity.Name,
			"type": entity.Type,
		})
	}
	rosterJSON, _ := json.Marshal(roster)

	implicitNote := "Only report relationships directly supported by the entity data."
	if inferImplicit {
		implicitNote = "You may infer plausible implicit relationships, with lower confidence."
	}

	return fmt.Sprintf(`Given these known entities, identify relationships between them.

Entities:
%s

Allowed relationship types: %s

%s

Return a JSON object of the form:
{"relationships": [{"source": "<entity name>", "target": "<entity name>", "type": "...", "properties": {}, "confidence": 0.0}]}`,
		string(rosterJSON), strings.Join(whitelist, ", "), implicitNote)
}
