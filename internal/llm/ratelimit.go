package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casetrace/casetrace/internal/logging"
)

// RateLimitConfig describes the per-model budget.
type RateLimitConfig struct {
	RequestsPerMinute float64
	TokensPerMinute   float64
	RetryAttempts     int
	RetryDelay        time.Duration
}

// DefaultRateLimitConfig returns a budget matching typical API tiers.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 50,
		TokensPerMinute:   100000,
		RetryAttempts:     3,
		RetryDelay:        2 * time.Second,
	}
}

// Validate checks the budget values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive, got %f", c.RequestsPerMinute)
	}
	if c.TokensPerMinute <= 0 {
		return fmt.Errorf("tokens_per_minute must be positive, got %f", c.TokensPerMinute)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	return nil
}

// modelBuckets is the dual token bucket for one model: one bucket counts
// requests, one counts tokens. Both refill proportionally to elapsed time.
// A request larger than capacity drives the token bucket negative; the next
// caller stalls until it refills.
type modelBuckets struct {
	config        RateLimitConfig
	requestBucket float64
	tokenBucket   float64
	lastUpdate    time.Time
}

func (b *modelBuckets) refill(now time.Time) {
	minutes := now.Sub(b.lastUpdate).Minutes()
	if minutes <= 0 {
		return
	}
	b.requestBucket += minutes * b.config.RequestsPerMinute
	if b.requestBucket > b.config.RequestsPerMinute {
		b.requestBucket = b.config.RequestsPerMinute
	}
	b.tokenBucket += minutes * b.config.TokensPerMinute
	if b.tokenBucket > b.config.TokensPerMinute {
		b.tokenBucket = b.config.TokensPerMinute
	}
	b.lastUpdate = now
}

// waitDuration computes how long the caller must sleep before one request
// consuming the given tokens fits both budgets.
func (b *modelBuckets) waitDuration(tokens float64) time.Duration {
	var requestWait, tokenWait float64
	if b.requestBucket < 1 {
		requestWait = (1 - b.requestBucket) / b.config.RequestsPerMinute * 60
	}
	if b.tokenBucket < tokens {
		tokenWait = (tokens - b.tokenBucket) / b.config.TokensPerMinute * 60
	}
	wait := requestWait
	if tokenWait > wait {
		wait = tokenWait
	}
	return time.Duration(wait * float64(time.Second))
}

// RateLimiter enforces per-model request and token budgets. Both buckets of
// a model are mutated under a single lock; callers serialize through
// WaitIfNeeded.
type RateLimiter struct {
	mu       sync.Mutex
	models   map[string]*modelBuckets
	defaults RateLimitConfig
	logger   *logging.Logger
	now      func() time.Time // injectable for tests
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a rate limiter using the given defaults for models
// without an explicit budget.
func NewRateLimiter(defaults RateLimitConfig) (*RateLimiter, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &RateLimiter{
		models:   make(map[string]*modelBuckets),
		defaults: defaults,
		logger:   logging.GetLogger("llm.ratelimit"),
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// SetModelLimit attaches an explicit budget to a model, resetting its
// buckets to full capacity.
func (r *RateLimiter) SetModelLimit(model string, config RateLimitConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[model] = &modelBuckets{
		config:        config,
		requestBucket: config.RequestsPerMinute,
		tokenBucket:   config.TokensPerMinute,
		lastUpdate:    r.now(),
	}
	return nil
}

// WaitIfNeeded blocks until one request consuming the given token estimate
// fits the model's budget, then consumes it. Buckets may go negative when a
// single request exceeds capacity.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, model string, tokens int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buckets := r.bucketsFor(model)
	now := r.now()
	buckets.refill(now)

	if wait := buckets.waitDuration(float64(tokens)); wait > 0 {
		r.logger.Debug("Rate limit reached for model %s, waiting %v", model, wait)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
		buckets.refill(r.now())
	}

	buckets.requestBucket -= 1
	buckets.tokenBucket -= float64(tokens)
	return nil
}

// Remaining reports the current bucket levels for a model after refill.
func (r *RateLimiter) Remaining(model string) (requests, tokens float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buckets := r.bucketsFor(model)
	buckets.refill(r.now())
	return buckets.requestBucket, buckets.tokenBucket
}

func (r *RateLimiter) bucketsFor(model string) *modelBuckets {
	buckets, ok := r.models[model]
	if !ok {
		buckets = &modelBuckets{
			config:        r.defaults,
			requestBucket: r.defaults.RequestsPerMinute,
			tokenBucket:   r.defaults.TokensPerMinute,
			lastUpdate:    r.now(),
		}
		r.models[model] = buckets
	}
	return buckets
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
