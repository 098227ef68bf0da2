// Package engine routes analysis requests to registered strategies with
// result caching, deadlines, batch execution, and metrics.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/casetrace/casetrace/internal/cache"
	"github.com/casetrace/casetrace/internal/domain"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/logging"
	"github.com/casetrace/casetrace/internal/strategy"
)

// PreProcessHook may rewrite a request before dispatch. The returned
// request flows forward, including into the cache key.
type PreProcessHook func(domain.AnalysisRequest) domain.AnalysisRequest

// PostProcessHook may rewrite a result before it is returned.
type PostProcessHook func(*domain.AnalysisResult) *domain.AnalysisResult

// Config controls engine behavior.
type Config struct {
	// EnableCaching stores successful results under a deterministic key.
	EnableCaching bool

	// CacheTTL bounds how long cached results live.
	CacheTTL time.Duration

	// Timeout limits a single strategy execution. Zero disables the
	// deadline.
	Timeout time.Duration

	// MaxConcurrentBatch caps concurrent requests in AnalyzeBatch.
	// Zero means unbounded.
	MaxConcurrentBatch int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		EnableCaching:      true,
		CacheTTL:           time.Hour,
		Timeout:            0,
		MaxConcurrentBatch: 8,
	}
}

// Engine dispatches analysis requests to the first registered strategy
// that can handle the request kind. All failures come back as results
// with Success=false; Analyze never returns an error value.
type Engine struct {
	config  Config
	oracle  llm.Oracle
	graph   graph.Backend
	cache   cache.Backend
	metrics *Metrics
	logger  *logging.Logger
	tracer  trace.Tracer

	preHook  PreProcessHook
	postHook PostProcessHook

	// strategies is append-ordered; resolution is first match.
	strategies []strategy.Strategy
}

// NewEngine creates an engine. A nil cacheBackend disables caching
// regardless of config.
func NewEngine(config Config, oracle llm.Oracle, backend graph.Backend, cacheBackend cache.Backend, reg prometheus.Registerer) *Engine {
	return &Engine{
		config:  config,
		oracle:  oracle,
		graph:   backend,
		cache:   cacheBackend,
		metrics: NewMetrics(reg),
		logger:  logging.GetLogger("engine"),
	}
}

// DefaultStrategies returns all built-in strategies in registration order.
func DefaultStrategies() []strategy.Strategy {
	return []strategy.Strategy{
		strategy.NewEntityExtraction(),
		strategy.NewRelationshipMapping(),
		strategy.NewCommunityDetection(),
		strategy.NewAnomalyDetection(),
		strategy.NewPathFinding(),
		strategy.NewCentrality(),
	}
}

// AddStrategy appends a strategy. Registration order sets dispatch
// priority.
func (e *Engine) AddStrategy(s strategy.Strategy) {
	e.strategies = append(e.strategies, s)
	e.logger.Info("Registered strategy %s", s.Name())
}

// RemoveStrategy drops the strategy with the given name. It reports
// whether anything was removed.
func (e *Engine) RemoveStrategy(name string) bool {
	for i, s := range e.strategies {
		if s.Name() == name {
			e.strategies = append(e.strategies[:i], e.strategies[i+1:]...)
			return true
		}
	}
	return false
}

// SetTracer installs an OpenTelemetry tracer. A nil tracer (the default)
// disables span creation.
func (e *Engine) SetTracer(tracer trace.Tracer) { e.tracer = tracer }

// SetPreProcessHook installs the request rewrite hook.
func (e *Engine) SetPreProcessHook(hook PreProcessHook) { e.preHook = hook }

// SetPostProcessHook installs the result rewrite hook.
func (e *Engine) SetPostProcessHook(hook PostProcessHook) { e.postHook = hook }

// CacheKey derives the deterministic cache key for a request: a sha256
// over the canonical JSON of kind, parameters, context and constraints.
// Map marshaling sorts keys, so identical requests hash identically.
func CacheKey(req domain.AnalysisRequest) string {
	canonical, err := json.Marshal(map[string]interface{}{
		"kind":        req.Kind,
		"parameters":  req.Parameters,
		"context":     req.Context,
		"constraints": req.Constraints,
	})
	if err != nil {
		// Unmarshalable parameters fall back to an uncacheable key.
		return fmt.Sprintf("analysis:unhashable:%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("analysis:%x", sha256.Sum256(canonical))
}

// Analyze runs one request through hooks, cache, dispatch and metrics.
func (e *Engine) Analyze(ctx context.Context, req domain.AnalysisRequest) *domain.AnalysisResult {
	if e.preHook != nil {
		req = e.preHook(req)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.analyze", trace.WithAttributes(
			attribute.String("analysis.kind", string(req.Kind)),
		))
		defer span.End()
	}

	cachingEnabled := e.config.EnableCaching && e.cache != nil
	key := ""
	if cachingEnabled {
		key = CacheKey(req)
		if cached := e.lookupCache(ctx, key); cached != nil {
			e.metrics.recordCacheHit(req.Kind)
			if span != nil {
				span.SetAttributes(attribute.Bool("analysis.cached", true))
			}
			return e.postProcess(cached)
		}
	}

	strat := e.resolveStrategy(req.Kind)
	if strat == nil {
		result := domain.NewFailure(req, "No strategy found for analysis type: %s", req.Kind)
		e.metrics.recordResult(req.Kind, false, 0)
		return e.postProcess(result)
	}

	start := time.Now()
	result := e.runStrategy(ctx, strat, req)
	elapsed := time.Since(start)
	if result.DurationMS == 0 {
		result.DurationMS = elapsed.Milliseconds()
	}

	if result.Success && cachingEnabled {
		e.storeCache(ctx, key, result)
	}

	e.metrics.recordResult(req.Kind, result.Success, elapsed)
	if span != nil {
		span.SetAttributes(attribute.Bool("analysis.success", result.Success))
	}
	return e.postProcess(result)
}

// AnalyzeBatch runs all requests concurrently. Individual failures do
// not abort siblings; output order matches input order.
func (e *Engine) AnalyzeBatch(ctx context.Context, requests []domain.AnalysisRequest) []*domain.AnalysisResult {
	results := make([]*domain.AnalysisResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	if e.config.MaxConcurrentBatch > 0 {
		g.SetLimit(e.config.MaxConcurrentBatch)
	}
	for i, req := range requests {
		g.Go(func() error {
			results[i] = e.Analyze(gctx, req)
			return nil
		})
	}
	// Workers never return errors; failures are result values.
	_ = g.Wait()
	return results
}

// GetMetrics returns a snapshot of the engine counters.
func (e *Engine) GetMetrics() map[string]interface{} { return e.metrics.Snapshot() }

// ResetMetrics zeroes the snapshot counters.
func (e *Engine) ResetMetrics() { e.metrics.Reset() }

func (e *Engine) resolveStrategy(kind domain.AnalysisKind) strategy.Strategy {
	for _, s := range e.strategies {
		if s.CanHandle(kind) {
			return s
		}
	}
	return nil
}

// runStrategy races the strategy against the configured deadline and
// converts every error into a failure result.
func (e *Engine) runStrategy(ctx context.Context, strat strategy.Strategy, req domain.AnalysisRequest) *domain.AnalysisResult {
	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	type outcome struct {
		result *domain.AnalysisResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("strategy panicked: %v", r)}
			}
		}()
		result, err := strat.Analyze(runCtx, req, e.oracle, e.graph)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return domain.NewFailure(req, "strategy %s failed: %v", strat.Name(), out.err)
		}
		if out.result == nil {
			return domain.NewFailure(req, "strategy %s returned no result", strat.Name())
		}
		return out.result
	case <-runCtx.Done():
		if e.config.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.NewFailure(req, "Analysis timed out after %g seconds", e.config.Timeout.Seconds())
		}
		return domain.NewFailure(req, "analysis cancelled: %v", runCtx.Err())
	}
}

// lookupCache reconstitutes a cached result, tolerating both the map
// form and a directly stored result.
func (e *Engine) lookupCache(ctx context.Context, key string) *domain.AnalysisResult {
	value, found, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("Cache lookup failed for %s: %v", key, err)
		return nil
	}
	if !found {
		return nil
	}

	switch v := value.(type) {
	case *domain.AnalysisResult:
		return v
	case map[string]interface{}:
		result, err := domain.ResultFromMap(v)
		if err != nil {
			e.logger.Warn("Discarding undecodable cache entry %s: %v", key, err)
			return nil
		}
		return result
	default:
		e.logger.Warn("Discarding cache entry %s with unexpected type %T", key, value)
		return nil
	}
}

func (e *Engine) storeCache(ctx context.Context, key string, result *domain.AnalysisResult) {
	m, err := result.ToMap()
	if err != nil {
		e.logger.Warn("Skipping cache store for %s: %v", key, err)
		return
	}
	if err := e.cache.Set(ctx, key, m, e.config.CacheTTL); err != nil {
		e.logger.Warn("Cache store failed for %s: %v", key, err)
	}
}

func (e *Engine) postProcess(result *domain.AnalysisResult) *domain.AnalysisResult {
	if e.postHook != nil {
		return e.postHook(result)
	}
	return result
}
