package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedisContainer starts a real Redis for integration tests.
// It returns "" when Docker is not available.
func startRedisContainer(t *testing.T) string {
	t.Helper()

	defer func() {
		if r := recover(); r != nil {
			t.Logf("docker setup failed (panic recovered): %v", r)
		}
	}()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Logf("failed to start redis container: %v", err)
		return ""
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Logf("failed to get container host: %v", err)
		return ""
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Logf("failed to get container port: %v", err)
		return ""
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestIntegration_RealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	addr := startRedisContainer(t)
	if addr == "" {
		t.Skip("docker not available")
	}

	cfg := DefaultConfig()
	cfg.Backend = BackendRedis
	cfg.Redis.Addr = addr
	cfg.Redis.Namespace = "it"

	m := NewManager(cfg, nil)
	defer m.Close()
	require.True(t, m.HasBackend())

	ctx := context.Background()
	m.Set(ctx, "k", []byte("v"), 2*time.Second)
	val, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	for i := 1; i <= 3; i++ {
		n, err := m.IncrWithExpiry(ctx, "counter", 60)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ttl, err := client.TTL(ctx, "it:counter").Result()
	require.NoError(t, err)
	assert.InDelta(t, 60, ttl.Seconds(), 2)

	m.Clear(ctx)
	exists, err := client.Exists(ctx, "it:k", "it:counter").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
