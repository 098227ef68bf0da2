// Package graph defines the property-graph capability contract consumed by
// the analysis strategies, plus two implementations: an in-memory backend
// and a FalkorDB-backed one.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/casetrace/casetrace/internal/domain"
)

// Direction selects which edges GetNeighbors follows.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// Typed backend errors. Strategies branch on these with errors.Is; they
// never see a panic cross the backend boundary.
var (
	// ErrEntityNotFound is returned when a lookup misses.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrMissingEndpoint is returned when a relationship references an
	// entity the graph does not know.
	ErrMissingEndpoint = errors.New("relationship endpoint not found")

	// ErrQueryUnsupported is returned by backends that do not implement
	// opaque query execution.
	ErrQueryUnsupported = errors.New("opaque queries not supported by this backend")
)

// Subgraph is the result of a bounded expansion from a set of seed entities.
type Subgraph struct {
	Entities      []domain.Entity       `json:"entities"`
	Relationships []domain.Relationship `json:"relationships"`
}

// Backend is the narrow graph contract. Every call is an atomic unit;
// callers must not assume cross-call transactions. All operations may fail
// and surface typed errors.
type Backend interface {
	// AddEntity upserts an entity keyed by its ID.
	AddEntity(ctx context.Context, entity domain.Entity) error

	// AddRelationship inserts a directed edge. Both endpoints must already
	// exist; a missing endpoint yields ErrMissingEndpoint.
	AddRelationship(ctx context.Context, rel domain.Relationship) error

	// GetEntity returns the entity with the given ID or ErrEntityNotFound.
	GetEntity(ctx context.Context, id string) (*domain.Entity, error)

	// GetEntities returns entities matching the filters, up to limit
	// (limit <= 0 means unbounded). Filters match top-level fields by
	// equality; dotted "properties.X" keys match nested property values.
	GetEntities(ctx context.Context, filters map[string]interface{}, limit int) ([]domain.Entity, error)

	// GetRelationships returns relationships touching entityID (either
	// endpoint; empty means all), optionally filtered by type, up to limit.
	GetRelationships(ctx context.Context, entityID, relType string, limit int) ([]domain.Relationship, error)

	// SearchEntities returns entities matching all criteria. Dotted
	// "properties.X" keys query nested property values.
	SearchEntities(ctx context.Context, criteria map[string]interface{}) ([]domain.Entity, error)

	// GetNeighbors returns the entities adjacent to entityID, optionally
	// filtered by relationship type and edge direction.
	GetNeighbors(ctx context.Context, entityID, relType string, direction Direction) ([]domain.Entity, error)

	// FindPath returns a shortest path between two entities as an ordered
	// entity list, or nil when no path exists within maxLength edges
	// (maxLength <= 0 means unbounded). Edges are followed in both
	// directions. From == to yields a one-element path.
	FindPath(ctx context.Context, fromID, toID string, maxLength int) ([]domain.Entity, error)

	// DeleteEntity removes an entity and cascades to its relationships.
	DeleteEntity(ctx context.Context, id string) error

	// GetSubgraph expands from the seed IDs up to maxDepth hops and
	// returns the covered entities plus the relationships among them.
	GetSubgraph(ctx context.Context, seedIDs []string, maxDepth int) (*Subgraph, error)

	// ExecuteQuery runs a backend-specific opaque query. Backends without
	// a query language return an empty list and ErrQueryUnsupported.
	ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error)
}

// NotFoundError wraps ErrEntityNotFound with the missing ID.
func NotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
}

// MissingEndpointError wraps ErrMissingEndpoint with the missing ID.
func MissingEndpointError(id string) error {
	return fmt.Errorf("%w: %s", ErrMissingEndpoint, id)
}
