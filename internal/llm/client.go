package llm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/casetrace/casetrace/internal/cache"
	"github.com/casetrace/casetrace/internal/logging"
)

// ClientConfig holds configuration for the rate-limited client.
type ClientConfig struct {
	RateLimit RateLimitConfig
	CacheTTL  time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RateLimit: DefaultRateLimitConfig(),
		CacheTTL:  time.Hour,
	}
}

// Client wraps an Oracle with per-model rate limiting, deterministic
// completion caching and retry with backoff. Function-calling responses are
// never cached; they are assumed side-effectful.
type Client struct {
	oracle  Oracle
	limiter *RateLimiter
	cache   cache.Backend // nil disables caching
	config  ClientConfig
	logger  *logging.Logger

	// Metrics (atomic)
	totalRequests uint64
	cacheHits     uint64
	cacheMisses   uint64
	retries       uint64
	failures      uint64
}

// NewClient creates a rate-limited client. A nil cache disables caching.
func NewClient(oracle Oracle, cacheBackend cache.Backend, config ClientConfig) (*Client, error) {
	limiter, err := NewRateLimiter(config.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	return &Client{
		oracle:  oracle,
		limiter: limiter,
		cache:   cacheBackend,
		config:  config,
		logger:  logging.GetLogger("llm.client"),
	}, nil
}

// SetModelLimit attaches an explicit rate budget to a model.
func (c *Client) SetModelLimit(model string, config RateLimitConfig) error {
	return c.limiter.SetModelLimit(model, config)
}

// CompletionCacheKey derives the deterministic cache key: sha256 of the
// canonical JSON of the fields that define the completion.
func CompletionCacheKey(model string, req CompletionRequest) string {
	// json.Marshal sorts map keys, which gives the canonical form.
	data, _ := json.Marshal(map[string]interface{}{
		"prompt":        req.Prompt,
		"system_prompt": req.SystemPrompt,
		"temperature":   req.Temperature,
		"model":         model,
	})
	return fmt.Sprintf("llm:%x", sha256.Sum256(data))
}

// Complete runs a completion through the cache, the rate limiter and the
// retry loop.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	atomic.AddUint64(&c.totalRequests, 1)

	key := CompletionCacheKey(c.oracle.Model(), req)
	if c.cache != nil {
		if value, found, err := c.cache.Get(ctx, key); err == nil && found {
			if text, ok := value.(string); ok {
				atomic.AddUint64(&c.cacheHits, 1)
				return text, nil
			}
		}
		atomic.AddUint64(&c.cacheMisses, 1)
	}

	tokens := c.oracle.EstimateTokens(req.Prompt + req.SystemPrompt)
	if err := c.limiter.WaitIfNeeded(ctx, c.oracle.Model(), tokens); err != nil {
		return "", err
	}

	var text string
	err := c.withRetry(ctx, func() error {
		var completeErr error
		text, completeErr = c.oracle.Complete(ctx, req)
		return completeErr
	})
	if err != nil {
		atomic.AddUint64(&c.failures, 1)
		return "", err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, text, c.config.CacheTTL); err != nil {
			c.logger.Warn("Failed to cache completion: %v", err)
		}
	}
	return text, nil
}

// CompleteWithFunctions runs a function-calling completion through the rate
// limiter and the retry loop, bypassing the cache.
func (c *Client) CompleteWithFunctions(ctx context.Context, req CompletionRequest, functions []FunctionDef) (*FunctionCall, error) {
	atomic.AddUint64(&c.totalRequests, 1)

	tokens := c.oracle.EstimateTokens(req.Prompt + req.SystemPrompt)
	if err := c.limiter.WaitIfNeeded(ctx, c.oracle.Model(), tokens); err != nil {
		return nil, err
	}

	var call *FunctionCall
	err := c.withRetry(ctx, func() error {
		var completeErr error
		call, completeErr = c.oracle.CompleteWithFunctions(ctx, req, functions)
		return completeErr
	})
	if err != nil {
		atomic.AddUint64(&c.failures, 1)
		return nil, err
	}
	return call, nil
}

// EstimateTokens delegates to the wrapped oracle.
func (c *Client) EstimateTokens(text string) int {
	return c.oracle.EstimateTokens(text)
}

// Model delegates to the wrapped oracle.
func (c *Client) Model() string {
	return c.oracle.Model()
}

// GetMetrics returns client counters.
func (c *Client) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_requests": atomic.LoadUint64(&c.totalRequests),
		"cache_hits":     atomic.LoadUint64(&c.cacheHits),
		"cache_misses":   atomic.LoadUint64(&c.cacheMisses),
		"retries":        atomic.LoadUint64(&c.retries),
		"failures":       atomic.LoadUint64(&c.failures),
	}
}

// withRetry runs fn up to RetryAttempts+1 times with linear backoff.
// Cancellation is not retried.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	attempts := c.config.RateLimit.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < attempts {
			atomic.AddUint64(&c.retries, 1)
			delay := time.Duration(attempt) * c.config.RateLimit.RetryDelay
			c.logger.Warn("Completion attempt %d/%d failed, retrying in %v: %v", attempt, attempts, delay, lastErr)
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("completion failed after %d attempts: %w", attempts, lastErr)
}
