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

const defaultTopK = 10

// Centrality scores node importance by degree, betweenness and closeness,
// and optionally ranks composite key players.
type Centrality struct {
	logger *logging.Logger
}

// NewCentrality creates the centrality strategy.
func NewCentrality() *Centrality {
	return &Centrality{logger: logging.GetLogger("strategy.centrality")}
}

// Name implements Strategy.Name.
func (s *Centrality) Name() string { return "centrality_analysis" }

// CanHandle implements Strategy.CanHandle.
func (s *Centrality) CanHandle(kind domain.AnalysisKind) bool {
	return kind == domain.KindCentralityAnalysis
}

// Analyze implements Strategy.Analyze.
func (s *Centrality) Analyze(ctx context.Context, req domain.AnalysisRequest, _ llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error) {
	start := time.Now()

	metrics := stringSliceParam(req.Parameters, "metrics")
	if len(metrics) == 0 {
		metrics = []string{"degree", "betweenness", "closeness"}
	}
	normalize := boolParam(req.Parameters, "normalize", true)
	directed := boolParam(req.Parameters, "directed", false)
	identifyKeyPlayers := boolParam(req.Parameters, "identify_key_players", false)
	topK := intParam(req.Parameters, "top_k", defaultTopK)

	g, err := loadGraph(ctx, backend, false, "")
	if err != nil {
		return domain.NewFailure(req, "failed to load graph: %v", err), nil
	}

	data := make(map[string]interface{})
	scores := make(map[string]map[string]float64)

	for _, metric := range metrics {
		var values []float64
		switch metric {
		case "degree":
			values = degreeCentrality(g, directed, normalize)
		case "betweenness":
			values = brandesBetweenness(g, directed, normalize)
		case "closeness":
			values = closenessCentrality(g, normalize)
		default:
			s.logger.Warn("Unknown centrality metric %q, skipping", metric)
			continue
		}

		byID := make(map[string]float64, g.size())
		for i, value := range values {
			byID[g.ids[i]] = value
		}
		scores[metric] = byID
		data[metric+"_centrality"] = byID
	}

	if identifyKeyPlayers {
		data["key_players"] = keyPlayers(g, scores, topK)
	}

	result := domain.NewSuccess(req, data)
	result.Metadata["node_count"] = g.size()
	result.Metadata["metrics"] = metrics
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// degreeCentrality sums in- and out-degree in directed mode. Normalization
// divides by the maximum possible degree.
func degreeCentrality(g *loadedGraph, directed, normalize bool) []float64 {
	n := g.size()
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		if directed {
			values[i] = float64(len(g.outgoing[i]) + len(g.incoming[i]))
		} else {
			values[i] = float64(len(g.adjacency[i]))
		}
	}

	if normalize && n > 1 {
		max := float64(n - 1)
		if directed {
			max = 2 * float64(n-1)
		}
		for i := range values {
			values[i] /= max
		}
	}
	return values
}

// brandesBetweenness runs the Brandes algorithm over unweighted shortest
// paths: per source, a BFS builds path counts and predecessor lists, then
// dependencies accumulate in reverse pop order.
func brandesBetweenness(g *loadedGraph, directed, normalize bool) []float64 {
	n := g.size()
	betweenness := make([]float64, n)

	for source := 0; source < n; source++ {
		stack := make([]int, 0, n)
		predecessors := make([][]int, n)
		sigma := make([]float64, n)
		dist := make([]int, n)
		for i := range dist {
			dist[i] = -1
		}
		sigma[source] = 1
		dist[source] = 0

		queue := []int{source}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range g.neighborIndexes(v, directed) {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					predecessors[w] = append(predecessors[w], v)
				}
			}
		}

		delta := make([]float64, n)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range predecessors[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != source {
				betweenness[w] += delta[w]
			}
		}
	}

	// Undirected traversal counts each pair from both ends.
	if !directed {
		for i := range betweenness {
			betweenness[i] /= 2
		}
	}

	if normalize && n > 2 {
		scale := 1.0 / (float64(n-1) * float64(n-2))
		if !directed {
			scale *= 2
		}
		for i := range betweenness {
			betweenness[i] *= scale
		}
	}
	return betweenness
}

// closenessCentrality computes reachable_count / sum_of_distances per node,
// optionally scaled by the reachable fraction of the graph.
func closenessCentrality(g *loadedGraph, normalize bool) []float64 {
	n := g.size()
	values := make([]float64, n)

	for i := 0; i < n; i++ {
		dist := g.bfsDistances(i)
		reachable := 0
		sum := 0
		for j, d := range dist {
			if j == i || d < 0 {
				continue
			}
			reachable++
			sum += d
		}
		if sum == 0 {
			continue
		}
		values[i] = float64(reachable) / float64(sum)
		if normalize && n > 1 {
			values[i] *= float64(reachable) / float64(n-1)
		}
	}
	return values
}

// keyPlayers ranks nodes by the mean of their available metric scores.
func keyPlayers(g *loadedGraph, scores map[string]map[string]float64, topK int) []map[string]interface{} {
	if len(scores) == 0 || g.size() == 0 {
		return []map[string]interface{}{}
	}

	metricNames := make([]string, 0, len(scores))
	for name := range scores {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	type ranked struct {
		id        string
		composite float64
		breakdown map[string]float64
	}
	players := make([]ranked, 0, g.size())
	for _, id := range g.ids {
		breakdown := make(map[string]float64, len(metricNames))
		total := 0.0
		for _, metric := range metricNames {
			value := scores[metric][id]
			breakdown[metric] = value
			total += value
		}
		players = append(players, ranked{
			id:        id,
			composite: total / float64(len(metricNames)),
			breakdown: breakdown,
		})
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].composite != players[j].composite {
			return players[i].composite > players[j].composite
		}
		return players[i].id < players[j].id
	})

	if topK > len(players) {
		topK = len(players)
	}
	out := make([]map[string]interface{}, 0, topK)
	for _, player := range players[:topK] {
		entity := g.entities[g.index[player.id]]
		out = append(out, map[string]interface{}{
			"entity_id":       player.id,
			"entity_name":     entity.Name,
			"composite_score": player.composite,
			"scores":          player.breakdown,
		})
	}
	return out
}
