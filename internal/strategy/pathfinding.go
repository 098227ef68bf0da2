package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
)

const (
	defaultMaxPathLength = 10
	defaultMaxPaths      = 5
)

// PathFinding locates connection chains between two entities.
type PathFinding struct {
	logger *logging.Logger
}

// NewPathFinding creates the pathfinding strategy.
func NewPathFinding() *PathFinding {
	return &PathFinding{logger: logging.GetLogger("strategy.pathfinding")}
}

// Name implements Strategy.Name.
func (s *PathFinding) Name() string { return "path_finding" }

// CanHandle implements Strategy.CanHandle.
func (s *PathFinding) CanHandle(kind domain.AnalysisKind) bool {
	return kind == domain.KindPathFinding
}

// Analyze implements Strategy.Analyze.
func (s *PathFinding) Analyze(ctx context.Context, req domain.AnalysisRequest, _ llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error) {
	start := time.Now()

	sourceID := stringParam(req.Parameters, "source_id", "")
	targetID := stringParam(req.Parameters, "target_id", "")
	if sourceID == "" || targetID == "" {
		return domain.NewFailure(req, "source_id and target_id are required for pathfinding"), nil
	}
	maxLength := intParam(req.Parameters, "max_length", defaultMaxPathLength)
	findAll := boolParam(req.Parameters, "find_all", false)
	maxPaths := intParam(req.Parameters, "max_paths", defaultMaxPaths)
	avoidTypes := stringSliceParam(req.Constraints, "avoid_entity_types")

	var paths [][]domain.Entity
	if findAll {
		found, err := s.multiPath(ctx, backend, sourceID, targetID, maxLength, maxPaths, avoidTypes)
		if err != nil {
			return domain.NewFailure(req, "pathfinding failed: %v", err), nil
		}
		paths = found
	} else {
		path, err := backend.FindPath(ctx, sourceID, targetID, maxLength)
		if err != nil {
			return domain.NewFailure(req, "pathfinding failed: %v", err), nil
		}
		if path != nil && allowedPath(path, avoidTypes) {
			paths = append(paths, path)
		}
	}

	payload := make([]map[string]interface{}, 0, len(paths))
	for _, path := range paths {
		payload = append(payload, pathPayload(path))
	}

	result := domain.NewSuccess(req, map[string]interface{}{
		"paths":       payload,
		"paths_found": len(payload),
	})
	result.Metadata["source_id"] = sourceID
	result.Metadata["target_id"] = targetID
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// multiPath probes increasing length bounds and keeps distinct paths.
func (s *PathFinding) multiPath(ctx context.Context, backend graph.Backend, sourceID, targetID string, maxLength, maxPaths int, avoidTypes []string) ([][]domain.Entity, error) {
	seen := make(map[string]bool)
	paths := make([][]domain.Entity, 0, maxPaths)

	for length := 2; length <= maxLength && len(paths) < maxPaths; length++ {
		path, err := backend.FindPath(ctx, sourceID, targetID, length)
		if err != nil {
			return nil, err
		}
		if path == nil || !allowedPath(path, avoidTypes) {
			continue
		}

		key := pathKey(path)
		if seen[key] {
			continue
		}
		seen[key] = true
		paths = append(paths, path)
	}
	return paths, nil
}

// allowedPath rejects paths whose intermediate nodes carry an avoided type.
// The endpoints themselves are exempt.
func allowedPath(path []domain.Entity, avoidTypes []string) bool {
	if len(avoidTypes) == 0 {
		return true
	}
	avoided := make(map[string]bool, len(avoidTypes))
	for _, t := range avoidTypes {
		avoided[strings.ToLower(t)] = true
	}
	for i := 1; i < len(path)-1; i++ {
		if avoided[strings.ToLower(path[i].Type)] {
			return false
		}
	}
	return true
}

func pathKey(path []domain.Entity) string {
	ids := make([]string, len(path))
	for i, entity := range path {
		ids[i] = entity.ID
	}
	return strings.Join(ids, "->")
}

func pathPayload(path []domain.Entity) map[string]interface{} {
	nodes := make([]map[string]interface{}, len(path))
	for i, entity := range path {
		nodes[i] = map[string]interface{}{
			"id":   entity.ID,
			"name": entity.Name,
			"type": entity.Type,
		}
	}
	return map[string]interface{}{
		"entities":    nodes,
		"path_length": len(path) - 1,
	}
}
