package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_BreakerIsPerProvider(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	cb1 := m.Breaker("provider-a")
	cb2 := m.Breaker("provider-a")
	cb3 := m.Breaker("provider-b")

	assert.Same(t, cb1, cb2)
	assert.NotSame(t, cb1, cb3)
	assert.Equal(t, "provider-b", cb3.Name())
}

func TestManager_OnStateChangeHook(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]CircuitState{}

	m := NewManager(ManagerConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		OnStateChange: func(name string, _, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			seen[name] = to
		},
	})

	m.Breaker("openai").RecordFailure()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateOpen, seen["openai"])
}

func TestManager_AcquireWithoutLimits(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	release, err := m.Acquire(context.Background(), "free")
	require.NoError(t, err)
	release()
}

func TestManager_Throttle(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	m.SetLimits("openai", ProviderLimits{RPS: 1, Burst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		release, err := m.Acquire(ctx, "openai")
		require.NoError(t, err)
		release()
	}
	_, err := m.Acquire(ctx, "openai")
	assert.ErrorIs(t, err, ErrThrottled)

	// Other providers are unaffected.
	_, err = m.Acquire(ctx, "anthropic")
	assert.NoError(t, err)

	m.SetLimits("openai", ProviderLimits{})
	_, err = m.Acquire(ctx, "openai")
	assert.NoError(t, err)
}

func TestManager_ConcurrencyBound(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	m.SetLimits("openai", ProviderLimits{MaxConcurrent: 1})

	release, err := m.Acquire(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats("openai").ConcurrentCurrent)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "openai")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent
	stats := m.Stats("openai")
	assert.Equal(t, 0, stats.ConcurrentCurrent)
	assert.Equal(t, 1, stats.ConcurrentCapacity)
}

func TestManager_SnapshotAndForce(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	m.Breaker("b")
	m.ForceOpen("a")

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, "b", snap[1].Name)
	assert.Equal(t, "open", m.Stats("a").CircuitState)

	m.ForceClosed("a")
	assert.Equal(t, StateClosed, m.Breaker("a").State())
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	assert.True(t, s.TryAcquire())
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.Equal(t, 2, s.Current())

	s.Release()
	assert.Equal(t, 1, s.Current())
	require.NoError(t, s.Acquire(context.Background()))

	s.Release()
	s.Release()
	s.Release()
	assert.Equal(t, 0, s.Current())
	assert.Equal(t, 2, s.Capacity())
	assert.Equal(t, 1, NewSemaphore(0).Capacity())
}

func TestManager_SetLimitsKeepsInFlightAccounting(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	m.SetLimits("openai", ProviderLimits{MaxConcurrent: 2})

	release, err := m.Acquire(context.Background(), "openai")
	require.NoError(t, err)
	defer release()

	m.SetLimits("openai", ProviderLimits{MaxConcurrent: 2})
	assert.Equal(t, 1, m.Stats("openai").ConcurrentCurrent)

	m.SetLimits("openai", ProviderLimits{})
	assert.Empty(t, m.Limits())
	assert.Zero(t, m.Stats("openai").ConcurrentCapacity)
}

func TestManager_SetBreakerConfigKeepsState(t *testing.T) {
	m := NewManager(DefaultManagerConfig())
	m.ForceOpen("openai")

	cfg := CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1}
	m.SetBreakerConfig(cfg)

	assert.Equal(t, StateOpen, m.Breaker("openai").State())
	assert.Equal(t, cfg, m.Breaker("openai").Config())
	assert.Equal(t, cfg, m.Breaker("anthropic").Config())
}
