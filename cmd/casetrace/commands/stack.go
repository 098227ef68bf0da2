package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/casetrace/casetrace/internal/cache"
	"github.com/casetrace/casetrace/internal/config"
	"github.com/casetrace/casetrace/internal/engine"
	"github.com/casetrace/casetrace/internal/graph"
	"github.com/casetrace/casetrace/internal/llm"
	"github.com/casetrace/casetrace/internal/pipeline"
	"github.com/casetrace/casetrace/internal/tracing"
)

// stack bundles the wired runtime components.
type stack struct {
	config   *config.Config
	graph    graph.Backend
	engine   *engine.Engine
	pipeline *pipeline.Pipeline
	tracing  *tracing.Provider
	close    func(context.Context)
}

// buildStack wires config -> tracing -> backends -> engine -> pipeline.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:   cfg.Tracing.Enabled,
		Endpoint:  cfg.Tracing.Endpoint,
		TLSCAPath: cfg.Tracing.TLSCAPath,
	})
	if err != nil {
		return nil, err
	}

	backend, closeGraph, err := buildGraphBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cacheBackend, err := cache.NewMemoryCache(cache.MemoryConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	oracle, err := buildOracle(ctx, cfg, cacheBackend)
	if err != nil {
		return nil, err
	}

	engineConfig := engine.Config{
		EnableCaching:      cfg.Engine.EnableCaching,
		CacheTTL:           time.Duration(cfg.Engine.CacheTTLSeconds) * time.Second,
		Timeout:            time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
		MaxConcurrentBatch: engine.DefaultConfig().MaxConcurrentBatch,
	}
	eng := engine.NewEngine(engineConfig, oracle, backend, cacheBackend, prometheus.DefaultRegisterer)
	for _, s := range engine.DefaultStrategies() {
		eng.AddStrategy(s)
	}
	if tracer.IsEnabled() {
		eng.SetTracer(tracer.GetTracer("engine"))
	}

	pipelineConfig := pipeline.Config{
		Mode:             pipeline.Mode(cfg.Pipeline.Mode),
		Adaptive:         cfg.Pipeline.Adaptive,
		ContinueOnError:  cfg.Pipeline.ContinueOnError,
		Timeout:          time.Duration(cfg.Pipeline.TimeoutSeconds) * time.Second,
		MaxPlannedPhases: cfg.Pipeline.MaxPlannedPhases,
	}
	p := pipeline.New(eng, pipelineConfig, prometheus.DefaultRegisterer)
	if tracer.IsEnabled() {
		p.SetTracer(tracer.GetTracer("pipeline"))
	}

	return &stack{
		config:   cfg,
		graph:    backend,
		engine:   eng,
		pipeline: p,
		tracing:  tracer,
		close: func(ctx context.Context) {
			closeGraph()
			_ = tracer.Shutdown(ctx)
		},
	}, nil
}

func buildGraphBackend(ctx context.Context, cfg *config.Config) (graph.Backend, func(), error) {
	switch cfg.Graph.Backend {
	case "falkordb":
		falkorConfig := graph.DefaultFalkorConfig()
		host, port, err := splitHostPort(cfg.Graph.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid graph address %q: %w", cfg.Graph.Address, err)
		}
		falkorConfig.Host = host
		falkorConfig.Port = port
		falkorConfig.GraphName = cfg.Graph.GraphName
		backend := graph.NewFalkorBackend(falkorConfig)
		if err := backend.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to FalkorDB: %w", err)
		}
		if err := backend.InitializeSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize graph schema: %w", err)
		}
		return backend, func() { _ = backend.Close() }, nil
	default:
		return graph.NewMemoryBackend(), func() {}, nil
	}
}

func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func buildOracle(ctx context.Context, cfg *config.Config, cacheBackend cache.Backend) (llm.Oracle, error) {
	var base llm.Oracle
	switch cfg.LLM.Provider {
	case "gemini":
		geminiConfig := llm.DefaultGeminiConfig()
		geminiConfig.APIKey = os.Getenv("GEMINI_API_KEY")
		if cfg.LLM.Model != "" {
			geminiConfig.Model = cfg.LLM.Model
		}
		oracle, err := llm.NewGeminiOracle(ctx, geminiConfig)
		if err != nil {
			return nil, err
		}
		base = oracle
	case "mock":
		return llm.NewMockOracle("{}"), nil
	default:
		anthropicConfig := llm.DefaultAnthropicConfig()
		if cfg.LLM.Model != "" {
			anthropicConfig.Model = cfg.LLM.Model
		}
		base = llm.NewAnthropicOracle(anthropicConfig)
	}

	client, err := llm.NewClient(base, cacheBackend, llm.DefaultClientConfig())
	if err != nil {
		return nil, err
	}
	for model, limits := range cfg.LLM.RateLimits {
		err := client.SetModelLimit(model, llm.RateLimitConfig{
			RequestsPerMinute: limits.RequestsPerMinute,
			TokensPerMinute:   limits.TokensPerMinute,
			RetryAttempts:     limits.RetryAttempts,
			RetryDelay:        time.Duration(limits.RetryDelaySeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit for model %s: %w", model, err)
		}
	}
	return client, nil
}
