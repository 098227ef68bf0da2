package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrace/casetrace/internal/domain"
)

func seedBackend(t *testing.T) (*MemoryBackend, context.Context) {
	t.Helper()
	ctx := context.Background()
	b := NewMemoryBackend()

	entities := []domain.Entity{
		{ID: "person_alice", Name: "Alice", Type: "person", Confidence: 0.9,
			Properties: map[string]interface{}{"role": "analyst", "clearance": 3}},
		{ID: "person_bob", Name: "Bob", Type: "person", Confidence: 0.8,
			Properties: map[string]interface{}{"role": "courier"}},
		{ID: "org_acme", Name: "Acme", Type: "organization", Confidence: 0.95},
		{ID: "loc_berlin", Name: "Berlin", Type: "location", Confidence: 1.0},
	}
	for _, e := range entities {
		require.NoError(t, b.AddEntity(ctx, e))
	}

	rels := []domain.Relationship{
		{ID: "r1", SourceID: "person_alice", TargetID: "org_acme", Type: "works_for", Confidence: 0.9},
		{ID: "r2", SourceID: "person_bob", TargetID: "org_acme", Type: "works_for", Confidence: 0.7},
		{ID: "r3", SourceID: "person_alice", TargetID: "person_bob", Type: "communicates_with", Confidence: 0.6},
		{ID: "r4", SourceID: "org_acme", TargetID: "loc_berlin", Type: "located_in", Confidence: 1.0},
	}
	for _, r := range rels {
		require.NoError(t, b.AddRelationship(ctx, r))
	}
	return b, ctx
}

func TestMemoryBackendEntityCRUD(t *testing.T) {
	b, ctx := seedBackend(t)

	got, err := b.GetEntity(ctx, "person_alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)

	_, err = b.GetEntity(ctx, "person_nobody")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	// Upsert replaces in place.
	require.NoError(t, b.AddEntity(ctx, domain.Entity{ID: "person_alice", Name: "Alice B", Type: "person"}))
	got, err = b.GetEntity(ctx, "person_alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice B", got.Name)
}

func TestMemoryBackendAddRelationshipMissingEndpoint(t *testing.T) {
	b, ctx := seedBackend(t)

	err := b.AddRelationship(ctx, domain.Relationship{
		ID: "rx", SourceID: "person_alice", TargetID: "person_ghost", Type: "knows",
	})
	assert.ErrorIs(t, err, ErrMissingEndpoint)
}

func TestMemoryBackendGetEntitiesFilters(t *testing.T) {
	b, ctx := seedBackend(t)

	people, err := b.GetEntities(ctx, map[string]interface{}{"type": "person"}, 0)
	require.NoError(t, err)
	assert.Len(t, people, 2)

	limited, err := b.GetEntities(ctx, map[string]interface{}{"type": "person"}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byProp, err := b.GetEntities(ctx, map[string]interface{}{"properties.role": "courier"}, 0)
	require.NoError(t, err)
	require.Len(t, byProp, 1)
	assert.Equal(t, "person_bob", byProp[0].ID)

	// Numeric property criteria tolerate int vs float64 mismatch.
	byNum, err := b.SearchEntities(ctx, map[string]interface{}{"properties.clearance": float64(3)})
	require.NoError(t, err)
	require.Len(t, byNum, 1)
	assert.Equal(t, "person_alice", byNum[0].ID)

	none, err := b.GetEntities(ctx, map[string]interface{}{"type": "vehicle"}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryBackendGetRelationships(t *testing.T) {
	b, ctx := seedBackend(t)

	all, err := b.GetRelationships(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	aliceRels, err := b.GetRelationships(ctx, "person_alice", "", 0)
	require.NoError(t, err)
	assert.Len(t, aliceRels, 2)

	worksFor, err := b.GetRelationships(ctx, "org_acme", "works_for", 0)
	require.NoError(t, err)
	assert.Len(t, worksFor, 2)
}

func TestMemoryBackendGetNeighbors(t *testing.T) {
	b, ctx := seedBackend(t)

	both, err := b.GetNeighbors(ctx, "org_acme", "", DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 3)

	out, err := b.GetNeighbors(ctx, "org_acme", "", DirectionOut)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "loc_berlin", out[0].ID)

	in, err := b.GetNeighbors(ctx, "org_acme", "works_for", DirectionIn)
	require.NoError(t, err)
	assert.Len(t, in, 2)

	_, err = b.GetNeighbors(ctx, "person_ghost", "", DirectionBoth)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestMemoryBackendFindPath(t *testing.T) {
	b, ctx := seedBackend(t)

	// Shortest path follows edges in either direction.
	path, err := b.FindPath(ctx, "person_bob", "loc_berlin", 0)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "person_bob", path[0].ID)
	assert.Equal(t, "org_acme", path[1].ID)
	assert.Equal(t, "loc_berlin", path[2].ID)

	// Identical endpoints yield a single-element path.
	self, err := b.FindPath(ctx, "person_alice", "person_alice", 0)
	require.NoError(t, err)
	require.Len(t, self, 1)
	assert.Equal(t, "person_alice", self[0].ID)

	// Length cap prunes the search.
	capped, err := b.FindPath(ctx, "person_bob", "loc_berlin", 1)
	require.NoError(t, err)
	assert.Nil(t, capped)

	// Disconnected entities have no path.
	require.NoError(t, b.AddEntity(ctx, domain.Entity{ID: "loc_island", Name: "Island", Type: "location"}))
	none, err := b.FindPath(ctx, "person_alice", "loc_island", 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryBackendDeleteEntityCascades(t *testing.T) {
	b, ctx := seedBackend(t)

	require.NoError(t, b.DeleteEntity(ctx, "org_acme"))

	_, err := b.GetEntity(ctx, "org_acme")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	remaining, err := b.GetRelationships(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "r3", remaining[0].ID)

	assert.ErrorIs(t, b.DeleteEntity(ctx, "org_acme"), ErrEntityNotFound)
}

func TestMemoryBackendGetSubgraph(t *testing.T) {
	b, ctx := seedBackend(t)

	sub, err := b.GetSubgraph(ctx, []string{"person_alice"}, 1)
	require.NoError(t, err)
	assert.Len(t, sub.Entities, 3) // alice, bob, acme
	assert.Len(t, sub.Relationships, 3)

	full, err := b.GetSubgraph(ctx, []string{"person_alice"}, 3)
	require.NoError(t, err)
	assert.Len(t, full.Entities, 4)
	assert.Len(t, full.Relationships, 4)

	empty, err := b.GetSubgraph(ctx, []string{"person_ghost"}, 2)
	require.NoError(t, err)
	assert.Empty(t, empty.Entities)
}

func TestMemoryBackendExecuteQuery(t *testing.T) {
	b, ctx := seedBackend(t)

	rows, err := b.ExecuteQuery(ctx, "MATCH (n) RETURN n")
	assert.ErrorIs(t, err, ErrQueryUnsupported)
	assert.Empty(t, rows)
}

func TestMemoryBackendCloneIsolation(t *testing.T) {
	b, ctx := seedBackend(t)

	got, err := b.GetEntity(ctx, "person_alice")
	require.NoError(t, err)
	got.Properties["role"] = "tampered"

	again, err := b.GetEntity(ctx, "person_alice")
	require.NoError(t, err)
	assert.Equal(t, "analyst", again.Properties["role"])
}
