package graph

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/logging"
)

// MemoryBackend is a Backend over flat in-process tables. It is the
// zero-config default and the workhorse of the test suite. All records are
// cloned on the way in and out, so callers can never alias internal state.
type MemoryBackend struct {
	mu            sync.RWMutex
	entities      map[string]domain.Entity
	relationships map[string]domain.Relationship
	// Adjacency indexes: entity ID -> relationship IDs.
	outgoing map[string][]string
	incoming map[string][]string
	logger   *logging.Logger
}

// NewMemoryBackend creates an empty in-memory graph.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities:      make(map[string]domain.Entity),
		relationships: make(map[string]domain.Relationship),
		outgoing:      make(map[string][]string),
		incoming:      make(map[string][]string),
		logger:        logging.GetLogger("graph.memory"),
	}
}

// AddEntity implements Backend.AddEntity with upsert semantics.
func (m *MemoryBackend) AddEntity(_ context.Context, entity domain.Entity) error {
	if entity.ID == "" {
		return NotFoundError("(empty id)")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entity.ID] = entity.Clone()
	return nil
}

// AddRelationship implements Backend.AddRelationship. Both endpoints must
// exist at the moment of insertion.
func (m *MemoryBackend) AddRelationship(_ context.Context, rel domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[rel.SourceID]; !ok {
		return MissingEndpointError(rel.SourceID)
	}
	if _, ok := m.entities[rel.TargetID]; !ok {
		return MissingEndpointError(rel.TargetID)
	}

	if _, exists := m.relationships[rel.ID]; !exists {
		m.outgoing[rel.SourceID] = append(m.outgoing[rel.SourceID], rel.ID)
		m.incoming[rel.TargetID] = append(m.incoming[rel.TargetID], rel.ID)
	}
	m.relationships[rel.ID] = rel.Clone()
	return nil
}

// GetEntity implements Backend.GetEntity.
func (m *MemoryBackend) GetEntity(_ context.Context, id string) (*domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entity, ok := m.entities[id]
	if !ok {
		return nil, NotFoundError(id)
	}
	out := entity.Clone()
	return &out, nil
}

// GetEntities implements Backend.GetEntities.
func (m *MemoryBackend) GetEntities(_ context.Context, filters map[string]interface{}, limit int) ([]domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.sortedEntityIDs()
	results := make([]domain.Entity, 0)
	for _, id := range ids {
		entity := m.entities[id]
		if !matchesCriteria(entity, filters) {
			continue
		}
		results = append(results, entity.Clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// GetRelationships implements Backend.GetRelationships.
func (m *MemoryBackend) GetRelationships(_ context.Context, entityID, relType string, limit int) ([]domain.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidateIDs []string
	if entityID == "" {
		candidateIDs = make([]string, 0, len(m.relationships))
		for id := range m.relationships {
			candidateIDs = append(candidateIDs, id)
		}
		sort.Strings(candidateIDs)
	} else {
		seen := make(map[string]bool)
		for _, relID := range m.outgoing[entityID] {
			if !seen[relID] {
				seen[relID] = true
				candidateIDs = append(candidateIDs, relID)
			}
		}
		for _, relID := range m.incoming[entityID] {
			if !seen[relID] {
				seen[relID] = true
				candidateIDs = append(candidateIDs, relID)
			}
		}
	}

	results := make([]domain.Relationship, 0)
	for _, relID := range candidateIDs {
		rel := m.relationships[relID]
		if relType != "" && rel.Type != relType {
			continue
		}
		results = append(results, rel.Clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// SearchEntities implements Backend.SearchEntities.
func (m *MemoryBackend) SearchEntities(ctx context.Context, criteria map[string]interface{}) ([]domain.Entity, error) {
	return m.GetEntities(ctx, criteria, 0)
}

// GetNeighbors implements Backend.GetNeighbors.
func (m *MemoryBackend) GetNeighbors(_ context.Context, entityID, relType string, direction Direction) ([]domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.entities[entityID]; !ok {
		return nil, NotFoundError(entityID)
	}
	if direction == "" {
		direction = DirectionBoth
	}

	seen := make(map[string]bool)
	neighbors := make([]domain.Entity, 0)

	collect := func(relIDs []string, pickTarget bool) {
		for _, relID := range relIDs {
			rel := m.relationships[relID]
			if relType != "" && rel.Type != relType {
				continue
			}
			neighborID := rel.SourceID
			if pickTarget {
				neighborID = rel.TargetID
			}
			if neighborID == entityID || seen[neighborID] {
				continue
			}
			if neighbor, ok := m.entities[neighborID]; ok {
				seen[neighborID] = true
				neighbors = append(neighbors, neighbor.Clone())
			}
		}
	}

	if direction == DirectionOut || direction == DirectionBoth {
		collect(m.outgoing[entityID], true)
	}
	if direction == DirectionIn || direction == DirectionBoth {
		collect(m.incoming[entityID], false)
	}
	return neighbors, nil
}

// FindPath implements Backend.FindPath with a breadth-first search over
// undirected adjacency.
func (m *MemoryBackend) FindPath(_ context.Context, fromID, toID string, maxLength int) ([]domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.entities[fromID]; !ok {
		return nil, NotFoundError(fromID)
	}
	if _, ok := m.entities[toID]; !ok {
		return nil, NotFoundError(toID)
	}

	if fromID == toID {
		entity := m.entities[fromID].Clone()
		return []domain.Entity{entity}, nil
	}

	parent := map[string]string{fromID: ""}
	frontier := []string{fromID}
	depth := 0

	for len(frontier) > 0 {
		if maxLength > 0 && depth >= maxLength {
			break
		}
		depth++

		next := make([]string, 0)
		for _, current := range frontier {
			for _, neighborID := range m.adjacentIDs(current) {
				if _, visited := parent[neighborID]; visited {
					continue
				}
				parent[neighborID] = current
				if neighborID == toID {
					return m.reconstructPath(parent, toID), nil
				}
				next = append(next, neighborID)
			}
		}
		frontier = next
	}

	return nil, nil
}

// DeleteEntity implements Backend.DeleteEntity. Relationships touching the
// entity are removed in the same operation.
func (m *MemoryBackend) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[id]; !ok {
		return NotFoundError(id)
	}
	delete(m.entities, id)

	doomed := make(map[string]bool)
	for _, relID := range m.outgoing[id] {
		doomed[relID] = true
	}
	for _, relID := range m.incoming[id] {
		doomed[relID] = true
	}
	delete(m.outgoing, id)
	delete(m.incoming, id)

	for relID := range doomed {
		rel, ok := m.relationships[relID]
		if !ok {
			continue
		}
		delete(m.relationships, relID)
		m.outgoing[rel.SourceID] = removeString(m.outgoing[rel.SourceID], relID)
		m.incoming[rel.TargetID] = removeString(m.incoming[rel.TargetID], relID)
	}
	return nil
}

// GetSubgraph implements Backend.GetSubgraph.
func (m *MemoryBackend) GetSubgraph(_ context.Context, seedIDs []string, maxDepth int) (*Subgraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	covered := make(map[string]bool)
	frontier := make([]string, 0, len(seedIDs))
	for _, id := range seedIDs {
		if _, ok := m.entities[id]; ok && !covered[id] {
			covered[id] = true
			frontier = append(frontier, id)
		}
	}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make([]string, 0)
		for _, current := range frontier {
			for _, neighborID := range m.adjacentIDs(current) {
				if !covered[neighborID] {
					covered[neighborID] = true
					next = append(next, neighborID)
				}
			}
		}
		frontier = next
	}

	sub := &Subgraph{
		Entities:      make([]domain.Entity, 0, len(covered)),
		Relationships: make([]domain.Relationship, 0),
	}

	coveredIDs := make([]string, 0, len(covered))
	for id := range covered {
		coveredIDs = append(coveredIDs, id)
	}
	sort.Strings(coveredIDs)
	for _, id := range coveredIDs {
		sub.Entities = append(sub.Entities, m.entities[id].Clone())
	}

	relIDs := make([]string, 0, len(m.relationships))
	for id := range m.relationships {
		relIDs = append(relIDs, id)
	}
	sort.Strings(relIDs)
	for _, relID := range relIDs {
		rel := m.relationships[relID]
		if covered[rel.SourceID] && covered[rel.TargetID] {
			sub.Relationships = append(sub.Relationships, rel.Clone())
		}
	}
	return sub, nil
}

// ExecuteQuery implements Backend.ExecuteQuery. The memory backend has no
// query language.
func (m *MemoryBackend) ExecuteQuery(_ context.Context, query string) ([]map[string]interface{}, error) {
	m.logger.Debug("Rejecting opaque query on memory backend: %s", query)
	return []map[string]interface{}{}, ErrQueryUnsupported
}

// adjacentIDs returns the neighbor IDs of an entity following edges in both
// directions. Caller holds the lock.
func (m *MemoryBackend) adjacentIDs(entityID string) []string {
	ids := make([]string, 0)
	seen := make(map[string]bool)
	for _, relID := range m.outgoing[entityID] {
		rel := m.relationships[relID]
		if !seen[rel.TargetID] {
			seen[rel.TargetID] = true
			ids = append(ids, rel.TargetID)
		}
	}
	for _, relID := range m.incoming[entityID] {
		rel := m.relationships[relID]
		if !seen[rel.SourceID] {
			seen[rel.SourceID] = true
			ids = append(ids, rel.SourceID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryBackend) reconstructPath(parent map[string]string, toID string) []domain.Entity {
	reversed := make([]string, 0)
	for id := toID; id != ""; id = parent[id] {
		reversed = append(reversed, id)
	}

	path := make([]domain.Entity, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, m.entities[reversed[i]].Clone())
	}
	return path
}

func (m *MemoryBackend) sortedEntityIDs() []string {
	ids := make([]string, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// matchesCriteria checks an entity against filter criteria. Top-level keys
// match entity fields; dotted "properties.X" keys (and unknown keys) match
// property values.
func matchesCriteria(entity domain.Entity, criteria map[string]interface{}) bool {
	for key, want := range criteria {
		var got interface{}
		switch key {
		case "id":
			got = entity.ID
		case "name":
			got = entity.Name
		case "type":
			got = entity.Type
		case "source":
			got = entity.Source
		default:
			propKey := strings.TrimPrefix(key, "properties.")
			if entity.Properties == nil {
				return false
			}
			var ok bool
			got, ok = entity.Properties[propKey]
			if !ok {
				return false
			}
		}
		if !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// looselyEqual compares values with numeric normalization so that JSON
// float64s match native ints.
func looselyEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func removeString(slice []string, target string) []string {
	out := slice[:0]
	for _, s := range slice {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
