package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
)

// louvainMaxIterations bounds the local-move loop.
const louvainMaxIterations = 100

// CommunityDetection partitions the graph into densely connected groups.
type CommunityDetection struct {
	logger *logging.Logger
}

// NewCommunityDetection creates the community detection strategy.
func NewCommunityDetection() *CommunityDetection {
	return &CommunityDetection{logger: logging.GetLogger("strategy.community")}
}

// Name implements Strategy.Name.
func (s *CommunityDetection) Name() string { return "community_detection" }

// CanHandle implements Strategy.CanHandle.
func (s *CommunityDetection) CanHandle(kind domain.AnalysisKind) bool {
	return kind == domain.KindCommunityDetection
}

// Analyze implements Strategy.Analyze.
func (s *CommunityDetection) Analyze(ctx context.Context, req domain.AnalysisRequest, _ llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error) {
	start := time.Now()

	algorithm := stringParam(req.Parameters, "algorithm", "louvain")
	useWeights := boolParam(req.Parameters, "use_weights", false)
	weightProperty := stringParam(req.Parameters, "weight_property", "weight")
	maxLevels := intParam(req.Parameters, "max_levels", 3)

	g, err := loadGraph(ctx, backend, useWeights, weightProperty)
	if err != nil {
		return domain.NewFailure(req, "failed to load graph: %v", err), nil
	}
	if g.size() == 0 {
		result := domain.NewSuccess(req, map[string]interface{}{"communities": []interface{}{}})
		result.Metadata["algorithm"] = algorithm
		result.Metadata["modularity"] = 0.0
		result.DurationMS = time.Since(start).Milliseconds()
		return result, nil
	}

	var membership []int
	switch algorithm {
	case "louvain":
		membership = louvain(g)
	case "hierarchical":
		membership = hierarchicalLouvain(g, maxLevels)
	default:
		// Connected components is the fallback for unknown algorithms.
		if algorithm != "connected_components" {
			s.logger.Warn("Unknown community algorithm %q, falling back to connected components", algorithm)
		}
		algorithm = "connected_components"
		membership = connectedComponents(g)
	}

	membership = renumber(membership)
	communities := buildCommunityPayload(g, membership)

	result := domain.NewSuccess(req, map[string]interface{}{"communities": communities})
	result.Metadata["algorithm"] = algorithm
	result.Metadata["community_count"] = len(communities)
	result.Metadata["modularity"] = modularity(g, membership)
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// louvain runs the simplified single-level local-move phase: every node
// starts alone, then greedily joins the neighboring community with the best
// positive modularity gain until a full pass moves nothing.
func louvain(g *loadedGraph) []int {
	n := g.size()
	membership := make([]int, n)
	degree := make([]float64, n)
	communityDegree := make([]float64, n)
	for i := 0; i < n; i++ {
		membership[i] = i
		degree[i] = g.weightedDegree(i)
		communityDegree[i] = degree[i]
	}

	m := g.totalWeight
	if m == 0 {
		// No edges means no move ever has positive gain.
		return membership
	}

	for iteration := 0; iteration < louvainMaxIterations; iteration++ {
		moved := false
		for node := 0; node < n; node++ {
			current := membership[node]

			// Weight from node to each neighboring community.
			neighborWeight := make(map[int]float64)
			for neighbor, weight := range g.adjacency[node] {
				neighborWeight[membership[neighbor]] += weight
			}

			// Detach the node before evaluating gains.
			communityDegree[current] -= degree[node]

			bestCommunity := current
			bestGain := 0.0
			candidates := make([]int, 0, len(neighborWeight))
			for community := range neighborWeight {
				candidates = append(candidates, community)
			}
			sort.Ints(candidates)
			for _, community := range candidates {
				gain := neighborWeight[community] - communityDegree[community]*degree[node]/(2*m)
				if gain > bestGain {
					bestGain = gain
					bestCommunity = community
				}
			}

			communityDegree[bestCommunity] += degree[node]
			if bestCommunity != current {
				membership[node] = bestCommunity
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return membership
}

// hierarchicalLouvain contracts each Louvain community into a supernode and
// recurses. membership stays in original-node space; levelMembership
// partitions the nodes of the current contracted graph and is what feeds
// the next contraction.
func hierarchicalLouvain(g *loadedGraph, maxLevels int) []int {
	membership := renumber(louvain(g))
	current := g
	levelMembership := membership

	for level := 1; level < maxLevels; level++ {
		communityCount := countCommunities(levelMembership)
		if communityCount <= 1 {
			break
		}

		contracted := contract(current, levelMembership)
		upper := renumber(louvain(contracted))
		if countCommunities(upper) == communityCount {
			break
		}

		// Compose: original node -> community -> super community.
		next := make([]int, len(membership))
		for node, community := range membership {
			next[node] = upper[community]
		}
		membership = next
		current = contracted
		levelMembership = upper
	}
	return membership
}

// contract builds the supernode graph for one hierarchy level. Edge weights
// between supernodes are the summed inter-community weights.
func contract(g *loadedGraph, membership []int) *loadedGraph {
	count := countCommunities(membership)
	out := &loadedGraph{
		ids:       make([]string, count),
		index:     make(map[string]int, count),
		adjacency: make([]map[int]float64, count),
		outgoing:  make([]map[int]float64, count),
		incoming:  make([]map[int]float64, count),
	}
	for i := 0; i < count; i++ {
		out.adjacency[i] = make(map[int]float64)
		out.outgoing[i] = make(map[int]float64)
		out.incoming[i] = make(map[int]float64)
	}

	for node := range membership {
		for neighbor, weight := range g.adjacency[node] {
			if neighbor <= node {
				continue
			}
			a, b := membership[node], membership[neighbor]
			if a == b {
				continue
			}
			if _, seen := out.adjacency[a][b]; !seen {
				out.edgeCount++
			}
			out.adjacency[a][b] += weight
			out.adjacency[b][a] += weight
			out.totalWeight += weight
		}
	}
	return out
}

// connectedComponents partitions via BFS over the undirected view.
func connectedComponents(g *loadedGraph) []int {
	n := g.size()
	membership := make([]int, n)
	for i := range membership {
		membership[i] = -1
	}

	component := 0
	for start := 0; start < n; start++ {
		if membership[start] >= 0 {
			continue
		}
		membership[start] = component
		queue := []int{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for neighbor := range g.adjacency[current] {
				if membership[neighbor] < 0 {
					membership[neighbor] = component
					queue = append(queue, neighbor)
				}
			}
		}
		component++
	}
	return membership
}

// renumber maps community labels to a dense 0..k-1 range, preserving first
// appearance order.
func renumber(membership []int) []int {
	mapping := make(map[int]int)
	out := make([]int, len(membership))
	next := 0
	for i, label := range membership {
		dense, ok := mapping[label]
		if !ok {
			dense = next
			mapping[label] = dense
			next++
		}
		out[i] = dense
	}
	return out
}

func countCommunities(membership []int) int {
	seen := make(map[int]bool)
	for _, label := range membership {
		seen[label] = true
	}
	return len(seen)
}

// modularity computes the standard weighted Q for a partition.
func modularity(g *loadedGraph, membership []int) float64 {
	m := g.totalWeight
	if m == 0 {
		return 0
	}

	internal := make(map[int]float64)
	degreeSum := make(map[int]float64)
	for node := range membership {
		community := membership[node]
		degreeSum[community] += g.weightedDegree(node)
		for neighbor, weight := range g.adjacency[node] {
			if neighbor > node && membership[neighbor] == community {
				internal[community] += weight
			}
		}
	}

	q := 0.0
	for community, degrees := range degreeSum {
		q += internal[community]/m - (degrees/(2*m))*(degrees/(2*m))
	}
	return q
}

// buildCommunityPayload converts a membership vector into the output shape:
// communities sorted by size descending, each with member ids and density.
func buildCommunityPayload(g *loadedGraph, membership []int) []map[string]interface{} {
	members := make(map[int][]int)
	for node, community := range membership {
		members[community] = append(members[community], node)
	}

	labels := make([]int, 0, len(members))
	for label := range members {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if len(members[labels[i]]) != len(members[labels[j]]) {
			return len(members[labels[i]]) > len(members[labels[j]])
		}
		return labels[i] < labels[j]
	})

	out := make([]map[string]interface{}, 0, len(labels))
	for rank, label := range labels {
		nodes := members[label]
		ids := make([]string, len(nodes))
		inCommunity := make(map[int]bool, len(nodes))
		for i, node := range nodes {
			ids[i] = g.ids[node]
			inCommunity[node] = true
		}
		sort.Strings(ids)

		internalEdges := 0
		for _, node := range nodes {
			for neighbor := range g.adjacency[node] {
				if neighbor > node && inCommunity[neighbor] {
					internalEdges++
				}
			}
		}

		density := 0.0
		if len(nodes) > 1 {
			density = float64(internalEdges) / (float64(len(nodes)) * float64(len(nodes)-1) / 2)
		}

		out = append(out, map[string]interface{}{
			"id":      rank,
			"members": ids,
			"size":    len(nodes),
			"density": density,
		})
	}
	return out
}
