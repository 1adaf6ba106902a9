package llmrelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

func TestWithStateFrom_CarriesCountersAndAppliesNewLimits(t *testing.T) {
	p := newScriptedProvider("primary")
	prev, _ := newTestClient(t,
		WithProvider("primary", p),
		WithRateLimit(RateLimits{RequestsPerMinute: 2}),
		WithProviderLimits("primary", ProviderLimits{MaxConcurrent: 1}),
	)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := prev.ChatCompletion(ctx, chatRequest(testModel))
		require.NoError(t, err)
	}
	prev.ForceOpen("standby")

	next, _ := newTestClient(t,
		WithProvider("primary", p),
		WithRateLimit(RateLimits{RequestsPerMinute: 2}),
		WithProviderLimits("primary", ProviderLimits{MaxConcurrent: 4}),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 9, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}),
		WithStateFrom(prev),
	)
	require.NoError(t, prev.Close())

	assert.Same(t, prev.resilience, next.resilience)
	assert.Same(t, prev.limiter, next.limiter)
	assert.Equal(t, 4, next.resilience.Stats("primary").ConcurrentCapacity)
	assert.Equal(t, 9, next.resilience.Breaker("standby").Config().FailureThreshold)
	assert.Equal(t, "open", next.resilience.Stats("standby").CircuitState)

	stats, err := next.ProviderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats["primary"].TotalRequests)

	// The minute window already holds two requests.
	_, err = next.ChatCompletion(ctx, chatRequest(testModel))
	require.Error(t, err)
	assert.Equal(t, errors.KindRateLimit, errors.KindOf(err))
}

func TestWithStateFrom_DropsRemovedProviderLimits(t *testing.T) {
	prev, _ := newTestClient(t, WithProviderLimits("primary", ProviderLimits{RPS: 5, MaxConcurrent: 2}))
	next, _ := newTestClient(t, WithStateFrom(prev))

	assert.Empty(t, next.resilience.Limits())
	assert.Zero(t, next.resilience.Stats("primary").ConcurrentCapacity)
}

func TestWithStateFrom_FailedBuildLeavesPreviousIntact(t *testing.T) {
	prev, _ := newTestClient(t,
		WithProvider("primary", newScriptedProvider("primary")),
		WithRateLimit(RateLimits{RequestsPerMinute: 2}),
		WithProviderLimits("primary", ProviderLimits{MaxConcurrent: 1}),
		WithCache(memoryCacheConfig()),
	)

	_, err := New(
		WithLogger(discardLogger()),
		WithStateFrom(prev),
		WithRouterStrategy(Strategy{Kind: "bogus"}),
		WithRateLimit(RateLimits{RequestsPerMinute: 100}),
		WithProviderLimits("primary", ProviderLimits{MaxConcurrent: 8}),
		WithCache(memoryCacheConfig()),
	)
	require.Error(t, err)

	assert.Equal(t, 1, prev.resilience.Stats("primary").ConcurrentCapacity)
	assert.Equal(t, 2, prev.limiter.LimitsFor(anonymousUser).RequestsPerMinute)
	assert.False(t, prev.keepCache.Load())
	assert.False(t, prev.keepStore.Load())

	// The shared cache is still open and serves prev.
	_, err = prev.ChatCompletion(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	_, err = prev.ChatCompletion(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	assert.Equal(t, int64(1), prev.CacheStats().Hits)
}
