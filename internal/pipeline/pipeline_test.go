package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrace/casetrace/internal/cache"
	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/engine"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
)

// testStrategy handles a fixed set of kinds and records execution windows.
type testStrategy struct {
	kinds map[domain.AnalysisKind]bool
	delay time.Duration
	run   func(req domain.AnalysisRequest) (*domain.AnalysisResult, error)

	mu      sync.Mutex
	windows map[string][2]time.Time
}

func newTestStrategy(kinds ...domain.AnalysisKind) *testStrategy {
	s := &testStrategy{
		kinds:   make(map[domain.AnalysisKind]bool),
		windows: make(map[string][2]time.Time),
	}
	for _, kind := range kinds {
		s.kinds[kind] = true
	}
	return s
}

func (s *testStrategy) Name() string { return "test_strategy" }

func (s *testStrategy) CanHandle(kind domain.AnalysisKind) bool { return s.kinds[kind] }

func (s *testStrategy) Analyze(_ context.Context, req domain.AnalysisRequest, _ llm.Oracle, _ graph.Backend) (*domain.AnalysisResult, error) {
	entered := time.Now()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	var result *domain.AnalysisResult
	var err error
	if s.run != nil {
		result, err = s.run(req)
	} else {
		result = domain.NewSuccess(req, map[string]interface{}{})
	}

	s.mu.Lock()
	if marker, ok := req.Parameters["marker"].(string); ok {
		s.windows[marker] = [2]time.Time{entered, time.Now()}
	}
	s.mu.Unlock()
	return result, err
}

func (s *testStrategy) window(marker string) [2]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[marker]
}

func newTestPipeline(t *testing.T, config Config, strategies ...*testStrategy) (*Pipeline, *engine.Engine) {
	t.Helper()
	memCache, err := cache.NewMemoryCache(cache.DefaultMemoryConfig())
	require.NoError(t, err)

	engineConfig := engine.DefaultConfig()
	engineConfig.EnableCaching = false
	eng := engine.NewEngine(engineConfig, llm.NewMockOracle(""), graph.NewMemoryBackend(), memCache, nil)
	for _, s := range strategies {
		eng.AddStrategy(s)
	}
	return New(eng, config, nil), eng
}

func TestInvestigateDefaultPhases(t *testing.T) {
	memCache, err := cache.NewMemoryCache(cache.DefaultMemoryConfig())
	require.NoError(t, err)

	oracle := llm.NewMockOracle("{}")
	oracle.QueueResponse(`{"entities": [
		{"name": "Alice", "type": "person", "confidence": 0.9},
		{"name": "Bob", "type": "person", "confidence": 0.9}
	]}`)
	oracle.QueueResponse(`{"relationships": [
		{"source": "Alice", "target": "Bob", "type": "manages", "confidence": 0.9}
	]}`)

	engineConfig := engine.DefaultConfig()
	engineConfig.EnableCaching = false
	eng := engine.NewEngine(engineConfig, oracle, graph.NewMemoryBackend(), memCache, nil)
	for _, s := range engine.DefaultStrategies() {
		eng.AddStrategy(s)
	}
	p := New(eng, DefaultConfig(), nil)

	view, err := p.Investigate(context.Background(),
		map[string]interface{}{"text": "Alice manages Bob"},
		[]string{"map the org"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, 2, view["total_entities"])
	assert.Equal(t, 1, view["total_relationships"])

	phases := view["phases"].([]map[string]interface{})
	require.Len(t, phases, 3)
	assert.Equal(t, "extract", phases[0]["name"])
	assert.Equal(t, "map", phases[1]["name"])
	assert.Equal(t, "analyze", phases[2]["name"])
	for _, phase := range phases {
		assert.Equal(t, true, phase["success"])
	}
}

// Scenario: two independent extraction phases must overlap in parallel
// mode, and both must finish before the dependent mapping phase starts.
func TestParallelPhaseOverlap(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction, domain.KindRelationshipMapping)
	stub.delay = 60 * time.Millisecond

	config := DefaultConfig()
	config.Mode = ModeParallel
	p, _ := newTestPipeline(t, config, stub)

	phases := []*domain.InvestigationPhase{
		{Name: "left", Kind: domain.KindEntityExtraction, Parameters: map[string]interface{}{"marker": "left", "text": "x"}},
		{Name: "right", Kind: domain.KindEntityExtraction, Parameters: map[string]interface{}{"marker": "right", "text": "y"}},
		{Name: "join", Kind: domain.KindRelationshipMapping, DependsOn: []string{"left", "right"}, Parameters: map[string]interface{}{"marker": "join"}},
	}

	view, err := p.Investigate(context.Background(), nil, nil, phases)
	require.NoError(t, err)
	assert.Equal(t, "completed", view["status"])

	left := stub.window("left")
	right := stub.window("right")
	join := stub.window("join")

	assert.True(t, left[0].Before(right[1]) && right[0].Before(left[1]),
		"extraction windows must overlap")
	assert.True(t, !join[0].Before(left[1]), "join starts after left ends")
	assert.True(t, !join[0].Before(right[1]), "join starts after right ends")
}

func TestAdaptiveInjection(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction, domain.KindAnomalyDetection)
	stub.run = func(req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		result := domain.NewSuccess(req, map[string]interface{}{"anomalies": []map[string]interface{}{}})
		if req.Kind == domain.KindEntityExtraction {
			result.Metadata["anomaly_detected"] = true
		}
		return result, nil
	}

	config := DefaultConfig()
	config.Adaptive = true
	p, _ := newTestPipeline(t, config, stub)

	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "scan", Kind: domain.KindEntityExtraction, Parameters: map[string]interface{}{"text": "x"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, view["adaptive_actions"])
	phases := view["phases"].([]map[string]interface{})
	require.Len(t, phases, 2)
	assert.Equal(t, "anomaly_followup_1", phases[1]["name"])
	assert.Equal(t, string(domain.KindAnomalyDetection), phases[1]["kind"])
	assert.Equal(t, "completed", phases[1]["status"])
}

func TestSequentialDependencySkip(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction, domain.KindRelationshipMapping)
	stub.run = func(req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		if req.Kind == domain.KindEntityExtraction {
			return domain.NewFailure(req, "extraction broke"), nil
		}
		return domain.NewSuccess(req, map[string]interface{}{}), nil
	}

	config := DefaultConfig()
	config.ContinueOnError = true
	p, _ := newTestPipeline(t, config, stub)

	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "first", Kind: domain.KindEntityExtraction},
		{Name: "second", Kind: domain.KindRelationshipMapping, DependsOn: []string{"first"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "completed_with_errors", view["status"])
	phases := view["phases"].([]map[string]interface{})
	assert.Equal(t, "failed", phases[0]["status"])
	assert.Equal(t, "skipped", phases[1]["status"])
	assert.Contains(t, phases[1]["errors"].([]string)[0], "Dependencies not met")
}

func TestSequentialFailureCancelsRemaining(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction, domain.KindRelationshipMapping)
	stub.run = func(req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return domain.NewFailure(req, "broke"), nil
	}

	p, _ := newTestPipeline(t, DefaultConfig(), stub)
	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "first", Kind: domain.KindEntityExtraction},
		{Name: "second", Kind: domain.KindRelationshipMapping},
	})
	require.NoError(t, err)

	assert.Equal(t, "failed", view["status"])
	phases := view["phases"].([]map[string]interface{})
	assert.Equal(t, "failed", phases[0]["status"])
	assert.Equal(t, "cancelled", phases[1]["status"])
}

func TestParallelCycleIsStructuralError(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)

	config := DefaultConfig()
	config.Mode = ModeParallel
	p, _ := newTestPipeline(t, config, stub)

	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "a", Kind: domain.KindEntityExtraction, DependsOn: []string{"b"}},
		{Name: "b", Kind: domain.KindEntityExtraction, DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "failed", view["status"])
	errs := view["errors"].([]string)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "dependency cycle")

	phases := view["phases"].([]map[string]interface{})
	for _, phase := range phases {
		assert.Equal(t, "skipped", phase["status"])
	}
}

func TestUnknownDependencyFailsInvestigation(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)
	p, _ := newTestPipeline(t, DefaultConfig(), stub)

	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "a", Kind: domain.KindEntityExtraction, DependsOn: []string{"ghost"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", view["status"])
	assert.Contains(t, view["errors"].([]string)[0], `depends on unknown phase "ghost"`)
}

func TestInvestigationTimeout(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)
	stub.delay = 80 * time.Millisecond

	config := DefaultConfig()
	config.Timeout = 40 * time.Millisecond
	p, _ := newTestPipeline(t, config, stub)

	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "slow", Kind: domain.KindEntityExtraction},
		{Name: "never", Kind: domain.KindEntityExtraction},
	})
	require.NoError(t, err)

	assert.Equal(t, "timeout", view["status"])
	errs := view["errors"].([]string)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1], "timed out")
}

func TestSnapshotRoundTrip(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)
	stub.run = func(req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return domain.NewSuccess(req, map[string]interface{}{
			"entities": []map[string]interface{}{
				{"id": "person_alice", "name": "Alice", "type": "person", "confidence": 0.9},
			},
		}), nil
	}

	p, _ := newTestPipeline(t, DefaultConfig(), stub)
	view, err := p.Investigate(context.Background(), map[string]interface{}{"case": "42"}, []string{"find alice"}, []*domain.InvestigationPhase{
		{Name: "scan", Kind: domain.KindEntityExtraction, Parameters: map[string]interface{}{"text": "x"}},
	})
	require.NoError(t, err)
	id := view["investigation_id"].(string)

	snapshot := p.SaveState(id)
	require.NotNil(t, snapshot)

	fresh, _ := newTestPipeline(t, DefaultConfig(), stub)
	require.True(t, fresh.LoadState(id, snapshot))

	restored := fresh.GetInvestigation(id)
	require.NotNil(t, restored)
	assert.Equal(t, view["status"], restored["status"])
	assert.Equal(t, view["total_entities"], restored["total_entities"])
	assert.Equal(t, view["adaptive_actions"], restored["adaptive_actions"])

	restoredPhases := restored["phases"].([]map[string]interface{})
	require.Len(t, restoredPhases, 1)
	assert.Equal(t, "scan", restoredPhases[0]["name"])
	assert.Equal(t, "completed", restoredPhases[0]["status"])
}

func TestLoadStateRejectsCorruptSnapshot(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultConfig())
	assert.False(t, p.LoadState("x", map[string]interface{}{
		"phases": "not a list",
	}))
}

func TestAddEvidence(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)
	p, _ := newTestPipeline(t, DefaultConfig(), stub)

	view, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "scan", Kind: domain.KindEntityExtraction, Parameters: map[string]interface{}{"text": "x"}},
	})
	require.NoError(t, err)
	id := view["investigation_id"].(string)

	assert.False(t, p.AddEvidence(context.Background(), "missing", "c", "s", ""))
	assert.True(t, p.AddEvidence(context.Background(), id, "wire transfer receipt", "bank", "2024-03-01"))

	got := p.GetInvestigation(id)
	evidence := got["evidence"].([]map[string]interface{})
	require.Len(t, evidence, 1)
	assert.Equal(t, "wire transfer receipt", evidence[0]["content"])
	assert.Contains(t, evidence[0]["occurred_at"], "2024-03-01")
}

// A running investigation restored from a snapshot accepts evidence and,
// in adaptive mode, runs a follow-up extraction immediately.
func TestAddEvidenceAdaptiveFollowUp(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)

	config := DefaultConfig()
	config.Adaptive = true
	p, _ := newTestPipeline(t, config, stub)

	require.True(t, p.LoadState("inv-1", map[string]interface{}{
		"id":     "inv-1",
		"status": "running",
		"phases": []interface{}{},
	}))

	require.True(t, p.AddEvidence(context.Background(), "inv-1", "new intercept", "wiretap", ""))

	got := p.GetInvestigation("inv-1")
	assert.Equal(t, 1, got["adaptive_actions"])
	phases := got["phases"].([]map[string]interface{})
	require.Len(t, phases, 1)
	assert.Equal(t, "evidence_extraction_1", phases[0]["name"])
	assert.Equal(t, "completed", phases[0]["status"])
}

func TestGetMetrics(t *testing.T) {
	stub := newTestStrategy(domain.KindEntityExtraction)
	p, _ := newTestPipeline(t, DefaultConfig(), stub)

	_, err := p.Investigate(context.Background(), nil, nil, []*domain.InvestigationPhase{
		{Name: "scan", Kind: domain.KindEntityExtraction, Parameters: map[string]interface{}{"text": "x"}},
	})
	require.NoError(t, err)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics["investigations_total"])
	assert.Equal(t, int64(1), metrics["phases_executed"])
	assert.Equal(t, int64(0), metrics["phases_failed"])
}
