package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter deterministically and records requested
// sleeps instead of actually sleeping.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newTestLimiter(t *testing.T, config RateLimitConfig) (*RateLimiter, *fakeClock) {
	t.Helper()
	limiter, err := NewRateLimiter(config)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter.now = func() time.Time { return clock.now }
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		clock.sleeps = append(clock.sleeps, d)
		clock.now = clock.now.Add(d)
		return nil
	}
	return limiter, clock
}

func TestRateLimitConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		config    RateLimitConfig
		shouldErr bool
	}{
		{"valid defaults", DefaultRateLimitConfig(), false},
		{"zero requests", RateLimitConfig{RequestsPerMinute: 0, TokensPerMinute: 100}, true},
		{"zero tokens", RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 0}, true},
		{"negative retries", RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 100, RetryAttempts: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWaitIfNeededWithinBudget(t *testing.T) {
	limiter, clock := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 1000})

	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 100))
	assert.Empty(t, clock.sleeps, "request within budget should not wait")

	requests, tokens := limiter.Remaining("m")
	assert.InDelta(t, 9.0, requests, 0.01)
	assert.InDelta(t, 900.0, tokens, 0.01)
}

func TestWaitIfNeededExactCapacityConsumesWithoutWaiting(t *testing.T) {
	limiter, clock := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 500})

	// Bucket exactly equal to the request size: no wait, bucket drains to zero.
	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 500))
	assert.Empty(t, clock.sleeps)

	_, tokens := limiter.Remaining("m")
	assert.InDelta(t, 0.0, tokens, 0.01)
}

func TestWaitIfNeededTokenDeficit(t *testing.T) {
	limiter, clock := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 100, TokensPerMinute: 600})

	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 600))
	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 300))

	// Deficit of 300 tokens at 600/min refills in 30s.
	require.Len(t, clock.sleeps, 1)
	assert.InDelta(t, 30.0, clock.sleeps[0].Seconds(), 0.5)
}

func TestWaitIfNeededRequestDeficit(t *testing.T) {
	limiter, clock := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 2, TokensPerMinute: 100000})

	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 1))
	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 1))
	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 1))

	// Third request needs one whole request slot: 60s/2 = 30s.
	require.Len(t, clock.sleeps, 1)
	assert.InDelta(t, 30.0, clock.sleeps[0].Seconds(), 0.5)
}

func TestBucketGoesNegativeOnOversizedRequest(t *testing.T) {
	limiter, _ := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 100})

	// One request larger than capacity waits until full, then drives the
	// bucket negative.
	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 250))

	_, tokens := limiter.Remaining("m")
	assert.Less(t, tokens, 0.0)
}

func TestRefillCapsAtCapacity(t *testing.T) {
	limiter, clock := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 1000})

	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "m", 100))
	clock.now = clock.now.Add(10 * time.Minute)

	requests, tokens := limiter.Remaining("m")
	assert.InDelta(t, 10.0, requests, 0.01)
	assert.InDelta(t, 1000.0, tokens, 0.01)
}

func TestPerModelIsolation(t *testing.T) {
	limiter, clock := newTestLimiter(t, RateLimitConfig{RequestsPerMinute: 10, TokensPerMinute: 100})

	require.NoError(t, limiter.SetModelLimit("big", RateLimitConfig{RequestsPerMinute: 100, TokensPerMinute: 100000}))

	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "small", 100))
	require.NoError(t, limiter.WaitIfNeeded(context.Background(), "big", 100))
	assert.Empty(t, clock.sleeps, "models must not share buckets")

	_, smallTokens := limiter.Remaining("small")
	_, bigTokens := limiter.Remaining("big")
	assert.InDelta(t, 0.0, smallTokens, 0.01)
	assert.InDelta(t, 99900.0, bigTokens, 0.01)
}
