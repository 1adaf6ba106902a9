package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLocalManager(t *testing.T, cfg Config) (*Manager, *testClock) {
	t.Helper()
	cfg.Enabled = true
	m := NewManagerWithBackend(cfg, nil, nil)
	clock := &testClock{now: time.Now()}
	m.local.now = clock.Now
	return m, clock
}

func TestManager_MissThenHit(t *testing.T) {
	m, _ := newLocalManager(t, Config{})
	ctx := context.Background()

	val, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	assert.Nil(t, val)

	m.Set(ctx, "k", []byte("v"), 60*time.Second)
	val, ok = m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	stats := m.Stats()
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.False(t, m.HasBackend())
}

func TestManager_TTL(t *testing.T) {
	m, clock := newLocalManager(t, Config{TTL: time.Minute})
	ctx := context.Background()

	m.Set(ctx, "short", []byte("a"), 10*time.Second)
	m.Set(ctx, "default", []byte("b"), 0)

	clock.Advance(9 * time.Second)
	_, ok := m.Get(ctx, "short")
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = m.Get(ctx, "short")
	assert.False(t, ok, "entry past its ttl must miss")
	assert.Equal(t, 1, m.Stats().LocalEntries, "expired entry is removed on read")

	_, ok = m.Get(ctx, "default")
	assert.True(t, ok)
	clock.Advance(time.Minute)
	_, ok = m.Get(ctx, "default")
	assert.False(t, ok)
}

func TestManager_CapacityEvictsOldest(t *testing.T) {
	m, clock := newLocalManager(t, Config{MaxSize: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)}, time.Hour)
		clock.Advance(time.Second)
	}

	// Overwriting an existing key does not evict.
	m.Set(ctx, "k1", []byte("new"), time.Hour)
	assert.Equal(t, 3, m.Stats().LocalEntries)
	assert.Zero(t, m.Stats().Evictions)
	clock.Advance(time.Second)

	m.Set(ctx, "k3", []byte{3}, time.Hour)
	assert.Equal(t, 3, m.Stats().LocalEntries)
	_, ok := m.Get(ctx, "k0")
	assert.False(t, ok, "oldest entry should be evicted")

	clock.Advance(time.Second)
	m.Set(ctx, "k4", []byte{4}, time.Hour)
	_, ok = m.Get(ctx, "k2")
	assert.False(t, ok, "k2 is now the oldest since k1 was rewritten")
	for _, k := range []string{"k1", "k3", "k4"} {
		_, ok := m.Get(ctx, k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(2), m.Stats().Evictions)
}

func TestManager_CapacityNeverExceeded(t *testing.T) {
	m, clock := newLocalManager(t, Config{MaxSize: 10})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
		clock.Advance(time.Millisecond)
		require.LessOrEqual(t, m.Stats().LocalEntries, 10)
	}
}

func TestManager_InvalidateAndClear(t *testing.T) {
	m, _ := newLocalManager(t, Config{})
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), 0)
	m.Set(ctx, "b", []byte("2"), 0)

	m.Invalidate(ctx, "a")
	_, ok := m.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = m.Get(ctx, "b")
	assert.True(t, ok)

	m.Clear(ctx)
	_, ok = m.Get(ctx, "b")
	assert.False(t, ok)
	assert.Zero(t, m.Stats().LocalEntries)
}

func TestManager_Disabled(t *testing.T) {
	m := NewManagerWithBackend(Config{Enabled: false}, nil, nil)
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	m.Invalidate(ctx, "k")
	m.Clear(ctx)

	stats := m.Stats()
	assert.False(t, stats.Enabled)
	assert.Zero(t, stats.Sets)
	assert.Zero(t, stats.LocalEntries)
}

func TestManager_JSON(t *testing.T) {
	m, _ := newLocalManager(t, Config{})
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	m.SetJSON(ctx, "p", payload{Name: "x", Count: 2}, 0)

	var got payload
	require.True(t, m.GetJSON(ctx, "p", &got))
	assert.Equal(t, payload{Name: "x", Count: 2}, got)

	m.Set(ctx, "bad", []byte("{not json"), 0)
	assert.False(t, m.GetJSON(ctx, "bad", &got))
	_, ok := m.Get(ctx, "bad")
	assert.False(t, ok, "undecodable entries are dropped")
}

func TestManager_IncrWithoutBackend(t *testing.T) {
	m, _ := newLocalManager(t, Config{})
	_, err := m.IncrWithExpiry(context.Background(), "c", 60)
	require.Error(t, err)
	assert.Equal(t, gwerrors.KindCache, gwerrors.KindOf(err))
}

// flakyBackend fails every call with err.
type flakyBackend struct{ err error }

func (f flakyBackend) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f flakyBackend) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f flakyBackend) Delete(context.Context, string) error { return f.err }
func (f flakyBackend) Flush(context.Context) error          { return f.err }
func (f flakyBackend) IncrByWithExpiry(context.Context, string, int64, int64) (int64, error) {
	return 0, f.err
}
func (f flakyBackend) Ping(context.Context) error { return f.err }
func (f flakyBackend) Close() error               { return nil }

func TestManager_BackendErrorsFallBackToLocal(t *testing.T) {
	backendErr := errors.New("connection refused")
	m := NewManagerWithBackend(Config{Enabled: true}, flakyBackend{err: backendErr}, nil)
	ctx := context.Background()

	assert.True(t, m.HasBackend())

	m.Set(ctx, "k", []byte("v"), time.Minute)
	val, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	m.Invalidate(ctx, "k")
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok)

	m.Set(ctx, "k2", []byte("v"), time.Minute)
	m.Clear(ctx)
	assert.Zero(t, m.Stats().LocalEntries)

	_, err := m.IncrWithExpiry(ctx, "c", 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, backendErr)
	assert.Positive(t, m.Stats().BackendErrors)
	assert.Error(t, m.Ping(ctx))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m, _ := newLocalManager(t, Config{MaxSize: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (id*100+j)%80)
				m.Set(ctx, key, []byte(key), time.Minute)
				if v, ok := m.Get(ctx, key); ok {
					assert.Equal(t, key, string(v))
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Stats().LocalEntries, 50)
}
