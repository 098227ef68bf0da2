package strategy

import (
	"context"
	"sort"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
)

// loadedGraph is an indexed in-memory view of the backend used by the pure
// algorithm strategies. Node indexes are assigned over sorted entity IDs so
// runs are deterministic.
type loadedGraph struct {
	entities []domain.Entity
	ids      []string
	index    map[string]int

	// adjacency holds undirected weighted edges, symmetric. Parallel edges
	// collapse by weight summation.
	adjacency []map[int]float64

	// outgoing and incoming hold the directed view.
	outgoing []map[int]float64
	incoming []map[int]float64

	// totalWeight is the sum of undirected edge weights, each edge once.
	totalWeight float64

	// edgeCount is the number of distinct undirected node pairs with an edge.
	edgeCount int
}

// loadGraph pulls all entities and relationships and builds the indexed
// view. Relationship weight comes from weightProperty when useWeights is
// set, defaulting to 1.0.
func loadGraph(ctx context.Context, backend graph.Backend, useWeights bool, weightProperty string) (*loadedGraph, error) {
	entities, err := backend.GetEntities(ctx, nil, 0)
	if err != nil {
		return nil, err
	}
	relationships, err := backend.GetRelationships(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	g := &loadedGraph{
		entities:  entities,
		ids:       make([]string, len(entities)),
		index:     make(map[string]int, len(entities)),
		adjacency: make([]map[int]float64, len(entities)),
		outgoing:  make([]map[int]float64, len(entities)),
		incoming:  make([]map[int]float64, len(entities)),
	}
	for i, entity := range entities {
		g.ids[i] = entity.ID
		g.index[entity.ID] = i
		g.adjacency[i] = make(map[int]float64)
		g.outgoing[i] = make(map[int]float64)
		g.incoming[i] = make(map[int]float64)
	}

	for _, rel := range relationships {
		src, srcOK := g.index[rel.SourceID]
		dst, dstOK := g.index[rel.TargetID]
		if !srcOK || !dstOK || src == dst {
			continue
		}

		weight := 1.0
		if useWeights {
			weight = rel.Weight(weightProperty, 1.0)
		}

		if _, seen := g.adjacency[src][dst]; !seen {
			g.edgeCount++
		}
		g.adjacency[src][dst] += weight
		g.adjacency[dst][src] += weight
		g.totalWeight += weight

		g.outgoing[src][dst] += weight
		g.incoming[dst][src] += weight
	}

	return g, nil
}

// size returns the node count.
func (g *loadedGraph) size() int { return len(g.ids) }

// weightedDegree returns the sum of undirected edge weights at node i.
func (g *loadedGraph) weightedDegree(i int) float64 {
	total := 0.0
	for _, w := range g.adjacency[i] {
		total += w
	}
	return total
}

// bfsDistances returns hop distances from source over the undirected view;
// unreachable nodes stay at -1.
func (g *loadedGraph) bfsDistances(source int) []int {
	dist := make([]int, g.size())
	for i := range dist {
		dist[i] = -1
	}
	dist[source] = 0
	queue := []int{source}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for neighbor := range g.adjacency[current] {
			if dist[neighbor] < 0 {
				dist[neighbor] = dist[current] + 1
				queue = append(queue, neighbor)
			}
		}
	}
	return dist
}

// neighborIndexes returns sorted neighbor indexes of node i, directed or
// undirected.
func (g *loadedGraph) neighborIndexes(i int, directed bool) []int {
	var source map[int]float64
	if directed {
		source = g.outgoing[i]
	} else {
		source = g.adjacency[i]
	}
	out := make([]int, 0, len(source))
	for j := range source {
		out = append(out, j)
	}
	sort.Ints(out)
	return out
}
