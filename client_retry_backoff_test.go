package llmrelay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBackoff_Capped(t *testing.T) {
	client := newRetryTestClient(t)
	client.config.Retry.InitialDelay = 100 * time.Millisecond
	client.config.Retry.MaxDelay = 150 * time.Millisecond
	client.config.Retry.JitterFactor = 0
	client.backoffRand = rand.New(rand.NewSource(1))

	got := client.retryBackoff(3)
	require.Equal(t, 150*time.Millisecond, got)
}

func TestRetryBackoff_JitterRange(t *testing.T) {
	client := newRetryTestClient(t)
	client.config.Retry.InitialDelay = time.Second
	client.config.Retry.MaxDelay = 0
	client.config.Retry.JitterFactor = 0.2
	client.backoffRand = rand.New(rand.NewSource(1))

	// Jitter only adds to the exponential base.
	for i := 0; i < 100; i++ {
		got := client.retryBackoff(2)
		min := 2000 * time.Millisecond
		max := 2400 * time.Millisecond
		if got < min || got > max {
			t.Fatalf("backoff = %v, want between %v and %v", got, min, max)
		}
	}
}

func TestRetryBackoff_Exponential(t *testing.T) {
	client := newRetryTestClient(t)
	client.config.Retry.InitialDelay = time.Second
	client.config.Retry.MaxDelay = 30 * time.Second
	client.config.Retry.BackoffFactor = 2
	client.config.Retry.JitterFactor = 0

	assert.Equal(t, time.Second, client.retryBackoff(1))
	assert.Equal(t, 2*time.Second, client.retryBackoff(2))
	assert.Equal(t, 4*time.Second, client.retryBackoff(3))
	assert.Equal(t, 16*time.Second, client.retryBackoff(5))
	assert.Equal(t, 30*time.Second, client.retryBackoff(10))
}

func TestRetryBackoff_JitterSpreadsDelays(t *testing.T) {
	client := newRetryTestClient(t)
	client.config.Retry.InitialDelay = time.Second
	client.config.Retry.MaxDelay = 0
	client.config.Retry.JitterFactor = 0.5
	client.backoffRand = rand.New(rand.NewSource(7))

	seen := make(map[time.Duration]struct{})
	for i := 0; i < 20; i++ {
		seen[client.retryBackoff(1)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jittered delays should not all be equal")
}

func TestNew_NormalizesRetryPolicy(t *testing.T) {
	client, _ := newTestClient(t, WithRetry(-1, time.Millisecond), WithRetryBackoffFactor(0))
	assert.Equal(t, 0, client.config.Retry.MaxRetries)
	assert.Equal(t, 1.0, client.config.Retry.BackoffFactor)
}

func newRetryTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := New(
		WithLogger(discardLogger()),
		WithProvider("primary", newScriptedProvider("primary"), testModel),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
