package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisBackend(t *testing.T, namespace string) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackendFromClient(client, namespace), s
}

func TestRedisBackend_GetSetDelete(t *testing.T) {
	b, s := newMiniredisBackend(t, "ns")
	ctx := context.Background()

	val, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, s.Exists("ns:k"), "keys are namespaced")
	assert.Equal(t, time.Minute, s.TTL("ns:k"))

	val, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	s.FastForward(61 * time.Second)
	val, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, b.Set(ctx, "d", []byte("x"), time.Minute))
	require.NoError(t, b.Delete(ctx, "d"))
	assert.False(t, s.Exists("ns:d"))
}

func TestRedisBackend_FlushOnlyNamespace(t *testing.T) {
	b, s := newMiniredisBackend(t, "ns")
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set(ctx, k, []byte(k), time.Minute))
	}
	require.NoError(t, s.Set("other:keep", "1"))

	require.NoError(t, b.Flush(ctx))
	assert.False(t, s.Exists("ns:a"))
	assert.False(t, s.Exists("ns:c"))
	assert.True(t, s.Exists("other:keep"))
}

func TestRedisBackend_IncrByWithExpiry(t *testing.T) {
	b, s := newMiniredisBackend(t, "")
	ctx := context.Background()

	v, err := b.IncrByWithExpiry(ctx, "rl:req:m:u:1", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 60*time.Second, s.TTL("rl:req:m:u:1"))

	// Later increments do not extend the window.
	s.FastForward(30 * time.Second)
	v, err = b.IncrByWithExpiry(ctx, "rl:req:m:u:1", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, 30*time.Second, s.TTL("rl:req:m:u:1"))

	s.FastForward(31 * time.Second)
	v, err = b.IncrByWithExpiry(ctx, "rl:req:m:u:1", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "counter restarts after expiry")

	v, err = b.IncrByWithExpiry(ctx, "rl:tok:m:u:1", 250, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(250), v)
	assert.Equal(t, 60*time.Second, s.TTL("rl:tok:m:u:1"))
}

func TestManager_WithRedisBackend(t *testing.T) {
	b, s := newMiniredisBackend(t, "llmrelay")
	m := NewManagerWithBackend(Config{Enabled: true, TTL: time.Minute}, b, nil)
	ctx := context.Background()

	assert.True(t, m.HasBackend())
	require.NoError(t, m.Ping(ctx))

	m.Set(ctx, "chat:gpt-4:abc", []byte("resp"), 0)
	assert.True(t, s.Exists("llmrelay:chat:gpt-4:abc"))
	assert.Zero(t, m.Stats().LocalEntries, "writes go to redis, not the local table")

	val, ok := m.Get(ctx, "chat:gpt-4:abc")
	require.True(t, ok)
	assert.Equal(t, []byte("resp"), val)
	assert.Equal(t, "redis", m.Stats().Backend)

	n, err := m.IncrWithExpiry(ctx, "rl:req:m:bob:100", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Backend goes away: writes and reads degrade to the local table.
	s.Close()
	m.Set(ctx, "after", []byte("local"), 0)
	val, ok = m.Get(ctx, "after")
	require.True(t, ok)
	assert.Equal(t, []byte("local"), val)
	assert.Positive(t, m.Stats().BackendErrors)

	_, err = m.IncrWithExpiry(ctx, "rl:req:m:bob:100", 60)
	assert.Error(t, err)
}

func TestNewManager_UnreachableRedisDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 200 * time.Millisecond

	m := NewManager(cfg, nil)
	defer m.Close()
	assert.False(t, m.HasBackend())

	ctx := context.Background()
	m.Set(ctx, "k", []byte("v"), 0)
	_, ok := m.Get(ctx, "k")
	assert.True(t, ok)
}

func TestNewManager_ConnectsToRedis(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Backend = BackendRedis
	cfg.Redis.Addr = s.Addr()

	m := NewManager(cfg, nil)
	defer m.Close()
	require.True(t, m.HasBackend())

	m.Set(context.Background(), "k", []byte("v"), 0)
	assert.True(t, s.Exists("llmrelay:k"))

	client, ok := m.RedisClient()
	require.True(t, ok)
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestManager_RedisClientWithoutBackend(t *testing.T) {
	m := NewManagerWithBackend(DefaultConfig(), nil, nil)
	_, ok := m.RedisClient()
	assert.False(t, ok)
}
