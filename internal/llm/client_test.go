package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrace/casetrace/internal/cache"
)

func newTestClient(t *testing.T, oracle Oracle, withCache bool) *Client {
	t.Helper()

	config := DefaultClientConfig()
	config.RateLimit.RetryDelay = time.Millisecond

	var backend cache.Backend
	if withCache {
		mc, err := cache.NewMemoryCache(cache.DefaultMemoryConfig())
		require.NoError(t, err)
		backend = mc
	}

	client, err := NewClient(oracle, backend, config)
	require.NoError(t, err)
	return client
}

func TestCompletionCacheKeyDeterministic(t *testing.T) {
	req := CompletionRequest{Prompt: "p", SystemPrompt: "s", Temperature: 0.3}

	assert.Equal(t, CompletionCacheKey("m", req), CompletionCacheKey("m", req))
	assert.NotEqual(t, CompletionCacheKey("m", req), CompletionCacheKey("other", req))

	hotter := req
	hotter.Temperature = 0.9
	assert.NotEqual(t, CompletionCacheKey("m", req), CompletionCacheKey("m", hotter))

	// MaxTokens does not change the semantic identity of a completion.
	longer := req
	longer.MaxTokens = 9000
	assert.Equal(t, CompletionCacheKey("m", req), CompletionCacheKey("m", longer))
}

func TestClientCompleteCachesResults(t *testing.T) {
	oracle := NewMockOracle("hello")
	client := newTestClient(t, oracle, true)
	ctx := context.Background()
	req := CompletionRequest{Prompt: "greet"}

	first, err := client.Complete(ctx, req)
	require.NoError(t, err)
	second, err := client.Complete(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "hello", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, oracle.CallCount(), "second call must be served from cache")

	metrics := client.GetMetrics()
	assert.Equal(t, uint64(2), metrics["total_requests"])
	assert.Equal(t, uint64(1), metrics["cache_hits"])
}

func TestClientFunctionCallsBypassCache(t *testing.T) {
	oracle := NewMockOracle("")
	oracle.ReturnFunctionCall(&FunctionCall{Function: "analyze", Arguments: map[string]interface{}{"depth": float64(2)}})
	client := newTestClient(t, oracle, true)
	ctx := context.Background()
	req := CompletionRequest{Prompt: "decide"}

	for i := 0; i < 2; i++ {
		call, err := client.CompleteWithFunctions(ctx, req, []FunctionDef{{Name: "analyze"}})
		require.NoError(t, err)
		assert.Equal(t, "analyze", call.Function)
	}
	assert.Equal(t, 2, oracle.CallCount(), "function calls are never cached")
}

func TestClientRetriesTransientErrors(t *testing.T) {
	oracle := NewMockOracle("ok")
	oracle.Err = errors.New("upstream hiccup")
	client := newTestClient(t, oracle, false)

	_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, oracle.CallCount())

	metrics := client.GetMetrics()
	assert.Equal(t, uint64(3), metrics["retries"])
	assert.Equal(t, uint64(1), metrics["failures"])
}

func TestClientRespectsCancellation(t *testing.T) {
	oracle := NewMockOracle("ok")
	oracle.Err = errors.New("boom")
	client := newTestClient(t, oracle, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, CompletionRequest{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockOracleScripting(t *testing.T) {
	oracle := NewMockOracle("default")
	oracle.RespondTo("entities", `{"entities": []}`)
	oracle.QueueResponse("queued")
	ctx := context.Background()

	got, err := oracle.Complete(ctx, CompletionRequest{Prompt: "extract entities from text"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities": []}`, got)

	got, err = oracle.Complete(ctx, CompletionRequest{Prompt: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "queued", got)

	got, err = oracle.Complete(ctx, CompletionRequest{Prompt: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "default", got)

	assert.Equal(t, 3, oracle.CallCount())
}

func TestEstimateTokensHeuristic(t *testing.T) {
	oracle := NewMockOracle("")
	assert.Equal(t, 0, oracle.EstimateTokens(""))
	assert.Equal(t, 1, oracle.EstimateTokens("abc"))
	assert.Equal(t, 25, oracle.EstimateTokens(string(make([]byte, 100))))
}
