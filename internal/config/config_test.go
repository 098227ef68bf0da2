package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sequential", cfg.Pipeline.Mode)
	assert.Equal(t, "memory", cfg.Graph.Backend)
	assert.Equal(t, 3600, cfg.Engine.CacheTTLSeconds)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
pipeline:
  mode: parallel
  adaptive: true
graph:
  backend: falkordb
  address: falkordb:6379
llm:
  provider: gemini
  model: gemini-2.0-flash
  rate_limits:
    gemini-2.0-flash:
      requests_per_minute: 30
      tokens_per_minute: 50000
      retry_attempts: 2
      retry_delay_seconds: 1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "parallel", cfg.Pipeline.Mode)
	assert.True(t, cfg.Pipeline.Adaptive)
	assert.Equal(t, "falkordb", cfg.Graph.Backend)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 30.0, cfg.LLM.RateLimits["gemini-2.0-flash"].RequestsPerMinute)

	// Untouched settings keep their defaults.
	assert.Equal(t, 3600, cfg.Engine.CacheTTLSeconds)
	assert.Equal(t, 12, cfg.Pipeline.MaxPlannedPhases)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  mode: diagonal\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Pipeline.Mode")
}

func TestValidateCases(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"negative engine timeout", func(c *Config) { c.Engine.TimeoutSeconds = -1 }, "TimeoutSeconds"},
		{"unknown graph backend", func(c *Config) { c.Graph.Backend = "neo4j" }, "Graph.Backend"},
		{"falkordb without address", func(c *Config) { c.Graph.Backend = "falkordb"; c.Graph.Address = "" }, "Graph.Address"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "cohere" }, "LLM.Provider"},
		{"zero rpm", func(c *Config) {
			c.LLM.RateLimits = map[string]RateLimitConfig{"m": {RequestsPerMinute: 0, TokensPerMinute: 1}}
		}, "RequestsPerMinute"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "Tracing.Endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
