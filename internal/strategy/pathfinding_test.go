package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
)

// seedChain builds a -> b -> c -> d with a direct a -> d shortcut through
// a "broker" node: a -> broker -> d.
func seedChain(t *testing.T, backend graph.Backend) {
	t.Helper()
	ctx := context.Background()

	entities := []domain.Entity{
		{ID: "a", Name: "a", Type: "person"},
		{ID: "b", Name: "b", Type: "person"},
		{ID: "c", Name: "c", Type: "person"},
		{ID: "d", Name: "d", Type: "person"},
		{ID: "broker", Name: "broker", Type: "organization"},
	}
	for _, e := range entities {
		require.NoError(t, backend.AddEntity(ctx, e))
	}
	rels := []domain.Relationship{
		{ID: "r1", SourceID: "a", TargetID: "b", Type: "knows"},
		{ID: "r2", SourceID: "b", TargetID: "c", Type: "knows"},
		{ID: "r3", SourceID: "c", TargetID: "d", Type: "knows"},
		{ID: "r4", SourceID: "a", TargetID: "broker", Type: "knows"},
		{ID: "r5", SourceID: "broker", TargetID: "d", Type: "knows"},
	}
	for _, r := range rels {
		require.NoError(t, backend.AddRelationship(ctx, r))
	}
}

func pathRequest(params, constraints map[string]interface{}) domain.AnalysisRequest {
	return domain.AnalysisRequest{
		Kind:        domain.KindPathFinding,
		Parameters:  params,
		Constraints: constraints,
	}
}

func TestPathFindingRequiresEndpoints(t *testing.T) {
	s := NewPathFinding()
	backend := graph.NewMemoryBackend()

	result, err := s.Analyze(context.Background(), pathRequest(map[string]interface{}{
		"source_id": "a",
	}, nil), llm.NewMockOracle(""), backend)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Errors[0], "source_id and target_id are required")
}

func TestPathFindingShortestPath(t *testing.T) {
	s := NewPathFinding()
	backend := graph.NewMemoryBackend()
	seedChain(t, backend)

	result, err := s.Analyze(context.Background(), pathRequest(map[string]interface{}{
		"source_id": "a",
		"target_id": "d",
	}, nil), llm.NewMockOracle(""), backend)
	require.NoError(t, err)
	require.True(t, result.Success)

	paths := result.Data["paths"].([]map[string]interface{})
	require.Len(t, paths, 1)
	assert.Equal(t, 2, paths[0]["path_length"])

	nodes := paths[0]["entities"].([]map[string]interface{})
	require.Len(t, nodes, 3)
	assert.Equal(t, "a", nodes[0]["id"])
	assert.Equal(t, "broker", nodes[1]["id"])
	assert.Equal(t, "d", nodes[2]["id"])
}

func TestPathFindingIdenticalEndpoints(t *testing.T) {
	s := NewPathFinding()
	backend := graph.NewMemoryBackend()
	seedChain(t, backend)

	result, err := s.Analyze(context.Background(), pathRequest(map[string]interface{}{
		"source_id": "a",
		"target_id": "a",
	}, nil), llm.NewMockOracle(""), backend)
	require.NoError(t, err)
	require.True(t, result.Success)

	paths := result.Data["paths"].([]map[string]interface{})
	require.Len(t, paths, 1)
	assert.Equal(t, 0, paths[0]["path_length"])
	assert.Len(t, paths[0]["entities"].([]map[string]interface{}), 1)
}

func TestPathFindingNoPath(t *testing.T) {
	s := NewPathFinding()
	backend := graph.NewMemoryBackend()
	seedChain(t, backend)
	require.NoError(t, backend.AddEntity(context.Background(), domain.Entity{
		ID: "island", Name: "island", Type: "location",
	}))

	result, err := s.Analyze(context.Background(), pathRequest(map[string]interface{}{
		"source_id": "a",
		"target_id": "island",
	}, nil), llm.NewMockOracle(""), backend)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 0, result.Data["paths_found"])
	assert.Empty(t, result.Data["paths"])
}

func TestPathFindingAvoidsIntermediateTypes(t *testing.T) {
	s := NewPathFinding()
	backend := graph.NewMemoryBackend()
	seedChain(t, backend)

	// The shortest a -> d route runs through the organization broker, so
	// avoiding organizations drops it.
	result, err := s.Analyze(context.Background(), pathRequest(map[string]interface{}{
		"source_id": "a",
		"target_id": "d",
	}, map[string]interface{}{
		"avoid_entity_types": []string{"organization"},
	}), llm.NewMockOracle(""), backend)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 0, result.Data["paths_found"])
}

func TestPathFindingFindAllDeduplicates(t *testing.T) {
	s := NewPathFinding()
	backend := graph.NewMemoryBackend()
	seedChain(t, backend)

	// Probing several length bounds over a shortest-path backend keeps
	// returning the same route; the dedupe keeps exactly one copy.
	result, err := s.Analyze(context.Background(), pathRequest(map[string]interface{}{
		"source_id":  "a",
		"target_id":  "d",
		"find_all":   true,
		"max_length": 6,
	}, nil), llm.NewMockOracle(""), backend)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Data["paths_found"])
}
