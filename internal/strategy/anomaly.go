package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
)

const (
	// defaultZThreshold flags values beyond two standard deviations.
	defaultZThreshold = 2.0

	// defaultContextWindow caps how many entities the pattern method shows
	// the model.
	defaultContextWindow = 50

	// betweennessSampleCap bounds the approximate betweenness computation.
	betweennessSampleCap = 20

	// minStatisticalSample is the minimum population for a z-score.
	minStatisticalSample = 3
)

// AnomalyDetection flags outlier entities by statistics, LLM pattern
// review, or graph structure.
type AnomalyDetection struct {
	logger *logging.Logger
}

// NewAnomalyDetection creates the anomaly detection strategy.
func NewAnomalyDetection() *AnomalyDetection {
	return &AnomalyDetection{logger: logging.GetLogger("strategy.anomaly")}
}

// Name implements Strategy.Name.
func (s *AnomalyDetection) Name() string { return "anomaly_detection" }

// CanHandle implements Strategy.CanHandle.
func (s *AnomalyDetection) CanHandle(kind domain.AnalysisKind) bool {
	return kind == domain.KindAnomalyDetection
}

// Analyze implements Strategy.Analyze.
func (s *AnomalyDetection) Analyze(ctx context.Context, req domain.AnalysisRequest, oracle llm.Oracle, backend graph.Backend) (*domain.AnalysisResult, error) {
	start := time.Now()
	method := stringParam(req.Parameters, "method", "statistical")

	var anomalies []map[string]interface{}
	var err error
	switch method {
	case "statistical":
		anomalies, err = s.statistical(ctx, req, backend)
	case "pattern":
		anomalies, err = s.pattern(ctx, req, oracle, backend)
	case "graph":
		anomalies, err = s.graphMetrics(ctx, req, backend)
	default:
		return domain.NewFailure(req, "unknown anomaly detection method: %s", method), nil
	}
	if err != nil {
		return domain.NewFailure(req, "anomaly detection failed: %v", err), nil
	}

	result := domain.NewSuccess(req, map[string]interface{}{"anomalies": anomalies})
	result.Metadata["method"] = method
	result.Metadata["anomaly_count"] = len(anomalies)
	result.Metadata["anomaly_detected"] = len(anomalies) > 0
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// statistical z-scores every numeric property shared by at least three
// entities of the target type.
func (s *AnomalyDetection) statistical(ctx context.Context, req domain.AnalysisRequest, backend graph.Backend) ([]map[string]interface{}, error) {
	threshold := floatParam(req.Parameters, "threshold", defaultZThreshold)

	filters := map[string]interface{}{}
	if entityType := stringParam(req.Parameters, "entity_type", ""); entityType != "" {
		filters["type"] = entityType
	}
	entities, err := backend.GetEntities(ctx, filters, 0)
	if err != nil {
		return nil, err
	}

	// Collect numeric property samples across the population.
	samples := make(map[string][]struct {
		entity domain.Entity
		value  float64
	})
	for _, entity := range entities {
		for key, raw := range entity.Properties {
			value, ok := asNumeric(raw)
			if !ok {
				continue
			}
			samples[key] = append(samples[key], struct {
				entity domain.Entity
				value  float64
			}{entity, value})
		}
	}

	keys := make([]string, 0, len(samples))
	for key := range samples {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	anomalies := make([]map[string]interface{}, 0)
	for _, key := range keys {
		population := samples[key]
		if len(population) < minStatisticalSample {
			continue
		}

		mean, std := meanStd(population)
		if std == 0 {
			continue
		}

		for _, sample := range population {
			z := (sample.value - mean) / std
			if math.Abs(z) > threshold {
				anomalies = append(anomalies, map[string]interface{}{
					"entity_id":   sample.entity.ID,
					"entity_name": sample.entity.Name,
					"type":        "statistical",
					"property":    key,
					"value":       sample.value,
					"z_score":     z,
					"mean":        mean,
					"std":         std,
				})
			}
		}
	}
	return anomalies, nil
}

// pattern shows the model a window of entities and asks for behavioral
// anomalies.
func (s *AnomalyDetection) pattern(ctx context.Context, req domain.AnalysisRequest, oracle llm.Oracle, backend graph.Backend) ([]map[string]interface{}, error) {
	window := intParam(req.Parameters, "context_window", defaultContextWindow)
	entities, err := backend.GetEntities(ctx, nil, window)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return []map[string]interface{}{}, nil
	}

	roster := make([]map[string]interface{}, 0, len(entities))
	for _, entity := range entities {
		roster = append(roster, map[string]interface{}{
			"id":         entity.ID,
			"name":       entity.Name,
			"type":       entity.Type,
			"properties": entity.Properties,
		})
	}
	rosterJSON, _ := json.Marshal(roster)

	response, err := oracle.Complete(ctx, llm.CompletionRequest{
		Prompt: fmt.Sprintf(`Review these entities for behavioral anomalies: unusual property
combinations, outlier values, or records inconsistent with their type.

Entities:
%s

Return a JSON object of the form:
{"anomalies": [{"entity_id": "...", "type": "...", "description": "...", "confidence": 0.0}]}`, string(rosterJSON)),
		SystemPrompt:   "You are an investigative analyst reviewing evidence for anomalies.",
		Temperature:    0.3,
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Anomalies []struct {
			EntityID    string  `json:"entity_id"`
			Type        string  `json:"type"`
			Description string  `json:"description"`
			Confidence  float64 `json:"confidence"`
		} `json:"anomalies"`
	}
	if err := decodeJSONResponse(response, &parsed); err != nil {
		return nil, err
	}

	anomalies := make([]map[string]interface{}, 0, len(parsed.Anomalies))
	for _, record := range parsed.Anomalies {
		anomalies = append(anomalies, map[string]interface{}{
			"entity_id":   record.EntityID,
			"type":        record.Type,
			"description": record.Description,
			"confidence":  record.Confidence,
		})
	}
	return anomalies, nil
}

// graphMetrics flags structural outliers by degree and sampled betweenness.
func (s *AnomalyDetection) graphMetrics(ctx context.Context, req domain.AnalysisRequest, backend graph.Backend) ([]map[string]interface{}, error) {
	threshold := floatParam(req.Parameters, "threshold", defaultZThreshold)
	metrics := stringSliceParam(req.Parameters, "metrics")
	if len(metrics) == 0 {
		metrics = []string{"degree", "centrality"}
	}

	g, err := loadGraph(ctx, backend, false, "")
	if err != nil {
		return nil, err
	}
	if g.size() < minStatisticalSample {
		return []map[string]interface{}{}, nil
	}

	anomalies := make([]map[string]interface{}, 0)
	for _, metric := range metrics {
		var values []float64
		switch metric {
		case "degree":
			values = make([]float64, g.size())
			for i := 0; i < g.size(); i++ {
				values[i] = float64(len(g.adjacency[i]))
			}
		case "centrality":
			values = sampledBetweenness(g)
		default:
			s.logger.Warn("Unknown graph anomaly metric %q, skipping", metric)
			continue
		}

		mean, std := meanStdFloat(values)
		if std == 0 {
			continue
		}
		for i, value := range values {
			z := (value - mean) / std
			if math.Abs(z) > threshold {
				anomalies = append(anomalies, map[string]interface{}{
					"entity_id":   g.ids[i],
					"entity_name": g.entities[i].Name,
					"type":        "graph",
					"metric":      metric,
					"value":       value,
					"z_score":     z,
					"mean":        mean,
					"std":         std,
				})
			}
		}
	}
	return anomalies, nil
}

// sampledBetweenness approximates betweenness by counting how often each
// node sits strictly inside a BFS shortest path between sampled pairs.
func sampledBetweenness(g *loadedGraph) []float64 {
	counts := make([]float64, g.size())

	sampleSize := g.size()
	if sampleSize > betweennessSampleCap {
		sampleSize = betweennessSampleCap
	}

	for si := 0; si < sampleSize; si++ {
		dist := g.bfsDistances(si)
		for ti := 0; ti < sampleSize; ti++ {
			if ti == si || dist[ti] <= 1 {
				continue
			}
			// A node v is on some shortest si->ti path when
			// d(si,v) + d(v,ti) == d(si,ti).
			distFromTarget := g.bfsDistances(ti)
			for v := 0; v < g.size(); v++ {
				if v == si || v == ti || dist[v] < 0 || distFromTarget[v] < 0 {
					continue
				}
				if dist[v]+distFromTarget[v] == dist[ti] {
					counts[v]++
				}
			}
		}
	}
	return counts
}

func asNumeric(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func meanStd(population []struct {
	entity domain.Entity
	value  float64
}) (float64, float64) {
	values := make([]float64, len(population))
	for i, sample := range population {
		values[i] = sample.value
	}
	return meanStdFloat(values)
}

// meanStdFloat returns the mean and sample standard deviation.
func meanStdFloat(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return mean, math.Sqrt(variance)
}
