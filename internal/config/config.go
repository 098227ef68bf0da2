// Package config loads and validates the casetrace configuration from a
// YAML file, with defaults for every setting.
package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the application.
type Config struct {
	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	Engine   EngineConfig   `yaml:"engine"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Graph    GraphConfig    `yaml:"graph"`
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// EngineConfig controls the analysis engine.
type EngineConfig struct {
	EnableCaching   bool `yaml:"enable_caching"`
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`
	TimeoutSeconds  int  `yaml:"timeout_seconds"`
}

// PipelineConfig controls the investigation pipeline.
type PipelineConfig struct {
	// Mode is sequential or parallel
	Mode             string `yaml:"mode"`
	Adaptive         bool   `yaml:"adaptive"`
	ContinueOnError  bool   `yaml:"continue_on_error"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxPlannedPhases int    `yaml:"max_planned_phases"`
}

// GraphConfig selects and configures the graph backend.
type GraphConfig struct {
	// Backend is memory or falkordb
	Backend   string `yaml:"backend"`
	Address   string `yaml:"address"`
	GraphName string `yaml:"graph_name"`
}

// RateLimitConfig attaches per-model rate limits.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	TokensPerMinute   float64 `yaml:"tokens_per_minute"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	RetryDelaySeconds int     `yaml:"retry_delay_seconds"`
}

// LLMConfig selects the oracle vendor and its limits.
type LLMConfig struct {
	// Provider is anthropic, gemini or mock
	Provider   string                     `yaml:"provider"`
	Model      string                     `yaml:"model"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

// CacheConfig sizes the in-process result cache.
type CacheConfig struct {
	MaxEntries        int `yaml:"max_entries"`
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	TLSCAPath string `yaml:"tls_ca_path"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			EnableCaching:   true,
			CacheTTLSeconds: 3600,
			TimeoutSeconds:  0,
		},
		Pipeline: PipelineConfig{
			Mode:             "sequential",
			Adaptive:         false,
			ContinueOnError:  false,
			TimeoutSeconds:   0,
			MaxPlannedPhases: 12,
		},
		Graph: GraphConfig{
			Backend:   "memory",
			Address:   "localhost:6379",
			GraphName: "casetrace",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5-20250929",
		},
		Cache: CacheConfig{
			MaxEntries:        4096,
			DefaultTTLSeconds: 3600,
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigError("LogLevel must be one of debug, info, warn, error")
	}

	if c.Engine.CacheTTLSeconds < 0 {
		return NewConfigError("Engine.CacheTTLSeconds must not be negative")
	}
	if c.Engine.TimeoutSeconds < 0 {
		return NewConfigError("Engine.TimeoutSeconds must not be negative")
	}

	switch c.Pipeline.Mode {
	case "sequential", "parallel":
	default:
		return NewConfigError("Pipeline.Mode must be sequential or parallel")
	}
	if c.Pipeline.MaxPlannedPhases < 1 {
		return NewConfigError("Pipeline.MaxPlannedPhases must be at least 1")
	}

	switch c.Graph.Backend {
	case "memory":
	case "falkordb":
		if c.Graph.Address == "" {
			return NewConfigError("Graph.Address must be set for the falkordb backend")
		}
	default:
		return NewConfigError("Graph.Backend must be memory or falkordb")
	}

	switch c.LLM.Provider {
	case "anthropic", "gemini", "mock":
	default:
		return NewConfigError("LLM.Provider must be anthropic, gemini or mock")
	}
	for model, limits := range c.LLM.RateLimits {
		if limits.RequestsPerMinute <= 0 {
			return NewConfigError(fmt.Sprintf("RateLimits[%s].RequestsPerMinute must be positive", model))
		}
		if limits.TokensPerMinute <= 0 {
			return NewConfigError(fmt.Sprintf("RateLimits[%s].TokensPerMinute must be positive", model))
		}
		if limits.RetryAttempts < 0 {
			return NewConfigError(fmt.Sprintf("RateLimits[%s].RetryAttempts must not be negative", model))
		}
	}

	if c.Cache.MaxEntries < 1 {
		return NewConfigError("Cache.MaxEntries must be at least 1")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("Tracing.Endpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return e.message
}
