package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrace/casetrace/internal/cache"
	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
)

// stubStrategy is a scriptable strategy for engine tests.
type stubStrategy struct {
	name  string
	kind  domain.AnalysisKind
	calls atomic.Int64
	run   func(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error)
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) CanHandle(kind domain.AnalysisKind) bool { return kind == s.kind }

func (s *stubStrategy) Analyze(ctx context.Context, req domain.AnalysisRequest, _ llm.Oracle, _ graph.Backend) (*domain.AnalysisResult, error) {
	s.calls.Add(1)
	if s.run != nil {
		return s.run(ctx, req)
	}
	return domain.NewSuccess(req, map[string]interface{}{"ok": true}), nil
}

func newTestEngine(t *testing.T, config Config) (*Engine, *stubStrategy) {
	t.Helper()
	memCache, err := cache.NewMemoryCache(cache.DefaultMemoryConfig())
	require.NoError(t, err)

	e := NewEngine(config, llm.NewMockOracle(""), graph.NewMemoryBackend(), memCache, nil)
	stub := &stubStrategy{name: "stub", kind: domain.KindCommunityDetection}
	e.AddStrategy(stub)
	return e, stub
}

func communityRequest() domain.AnalysisRequest {
	return domain.AnalysisRequest{
		Kind:       domain.KindCommunityDetection,
		Parameters: map[string]interface{}{"algorithm": "louvain"},
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	a := domain.AnalysisRequest{
		Kind:       domain.KindCommunityDetection,
		Parameters: map[string]interface{}{"x": 1, "y": 2},
	}
	b := domain.AnalysisRequest{
		Kind:       domain.KindCommunityDetection,
		Parameters: map[string]interface{}{"y": 2, "x": 1},
	}
	assert.Equal(t, CacheKey(a), CacheKey(b))

	c := a
	c.Constraints = map[string]interface{}{"limit": 5}
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
}

func TestAnalyzeCachesSuccessfulResults(t *testing.T) {
	e, stub := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	first := e.Analyze(ctx, communityRequest())
	require.True(t, first.Success)

	second := e.Analyze(ctx, communityRequest())
	require.True(t, second.Success)
	assert.Equal(t, int64(1), stub.calls.Load(), "cache hit must skip the strategy")

	metrics := e.GetMetrics()
	assert.Equal(t, int64(2), metrics["total_requests"])
	assert.Equal(t, int64(1), metrics["cache_hits"])
	assert.Equal(t, int64(1), metrics["successful_requests"])
}

func TestAnalyzeDoesNotCacheFailures(t *testing.T) {
	e, stub := newTestEngine(t, DefaultConfig())
	stub.run = func(_ context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return domain.NewFailure(req, "backend unavailable"), nil
	}
	ctx := context.Background()

	e.Analyze(ctx, communityRequest())
	e.Analyze(ctx, communityRequest())
	assert.Equal(t, int64(2), stub.calls.Load())
}

func TestAnalyzeNoStrategyFound(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())

	result := e.Analyze(context.Background(), domain.AnalysisRequest{Kind: domain.KindPathFinding})
	require.False(t, result.Success)
	assert.Equal(t, "No strategy found for analysis type: path_finding", result.Errors[0])

	metrics := e.GetMetrics()
	assert.Equal(t, int64(1), metrics["failed_requests"])
}

func TestAnalyzeWrapsStrategyErrors(t *testing.T) {
	e, stub := newTestEngine(t, DefaultConfig())
	stub.run = func(_ context.Context, _ domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		return nil, fmt.Errorf("boom")
	}

	result := e.Analyze(context.Background(), communityRequest())
	require.False(t, result.Success)
	assert.Contains(t, result.Errors[0], "strategy stub failed: boom")
}

func TestAnalyzeRecoversStrategyPanics(t *testing.T) {
	e, stub := newTestEngine(t, DefaultConfig())
	stub.run = func(_ context.Context, _ domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		panic("index out of range")
	}

	result := e.Analyze(context.Background(), communityRequest())
	require.False(t, result.Success)
	assert.Contains(t, result.Errors[0], "strategy stub failed")
	assert.Contains(t, result.Errors[0], "strategy panicked: index out of range")

	metrics := e.GetMetrics()
	assert.Equal(t, int64(1), metrics["failed_requests"])
}

func TestAnalyzeTimeout(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 50 * time.Millisecond
	e, stub := newTestEngine(t, config)
	stub.run = func(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	result := e.Analyze(context.Background(), communityRequest())
	require.False(t, result.Success)
	assert.Contains(t, result.Errors[0], "Analysis timed out after 0.05 seconds")

	metrics := e.GetMetrics()
	assert.Equal(t, int64(1), metrics["failed_requests"])
}

func TestAnalyzeBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	e, stub := newTestEngine(t, DefaultConfig())
	stub.run = func(_ context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
		if req.Parameters["fail"] == true {
			return domain.NewFailure(req, "scripted failure"), nil
		}
		return domain.NewSuccess(req, map[string]interface{}{
			"marker": req.Parameters["marker"],
		}), nil
	}

	requests := make([]domain.AnalysisRequest, 6)
	for i := range requests {
		requests[i] = domain.AnalysisRequest{
			Kind: domain.KindCommunityDetection,
			Parameters: map[string]interface{}{
				"marker": i,
				"fail":   i == 3,
			},
		}
	}

	results := e.AnalyzeBatch(context.Background(), requests)
	require.Len(t, results, 6)
	for i, result := range results {
		if i == 3 {
			assert.False(t, result.Success)
			continue
		}
		require.True(t, result.Success)
		assert.Equal(t, i, result.Data["marker"])
	}
}

func TestHooksRewriteRequestAndResult(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	e.SetPreProcessHook(func(req domain.AnalysisRequest) domain.AnalysisRequest {
		if req.Parameters == nil {
			req.Parameters = map[string]interface{}{}
		}
		req.Parameters["injected"] = true
		return req
	})
	e.SetPostProcessHook(func(result *domain.AnalysisResult) *domain.AnalysisResult {
		result.Metadata["reviewed"] = true
		return result
	})

	result := e.Analyze(context.Background(), domain.AnalysisRequest{Kind: domain.KindCommunityDetection})
	require.True(t, result.Success)
	assert.Equal(t, true, result.Request.Parameters["injected"])
	assert.Equal(t, true, result.Metadata["reviewed"])
}

func TestRemoveStrategy(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	assert.True(t, e.RemoveStrategy("stub"))
	assert.False(t, e.RemoveStrategy("stub"))

	result := e.Analyze(context.Background(), communityRequest())
	assert.False(t, result.Success)
}

func TestResetMetrics(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	e.Analyze(context.Background(), communityRequest())
	e.ResetMetrics()

	metrics := e.GetMetrics()
	assert.Equal(t, int64(0), metrics["total_requests"])
	assert.Equal(t, int64(0), metrics["successful_requests"])
}
