package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

// Manager is the cache used by the client and the rate limiter.
//
// Backend failures never reach callers: reads fall through to the local
// table and writes are redirected to it. When the cache is disabled Get
// always misses and writes are no-ops, but the atomic counters remain
// available whenever a backend is configured.
type Manager struct {
	enabled bool
	ttl     time.Duration
	backend Backend
	local   *localStore
	logger  *slog.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	deletes       atomic.Int64
	backendErrors atomic.Int64
	evictions     atomic.Int64
}

// NewManager builds a Manager from cfg. When Redis is selected but cannot be
// reached the manager logs the failure and runs on the local table alone.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	var backend Backend
	if cfg.Backend == BackendRedis {
		rb, err := NewRedisBackend(cfg.Redis)
		if err != nil {
			logger.Warn("redis cache backend unavailable, using local cache only",
				"addr", cfg.Redis.Addr,
				"error", err,
			)
		} else {
			backend = rb
		}
	}
	return NewManagerWithBackend(cfg, backend, logger)
}

// NewManagerWithBackend builds a Manager around an existing backend, which
// may be nil.
func NewManagerWithBackend(cfg Config, backend Backend, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		enabled: cfg.Enabled,
		ttl:     cfg.TTL,
		backend: backend,
		local:   newLocalStore(cfg.MaxSize, cfg.TTL, cfg.CleanupInterval),
		logger:  logger,
	}
}

// Enabled reports whether response caching is on.
func (m *Manager) Enabled() bool { return m.enabled }

// HasBackend reports whether a distributed backend is configured.
func (m *Manager) HasBackend() bool { return m.backend != nil }

// RedisClient returns the Redis connection behind the backend so other
// components can share it.
func (m *Manager) RedisClient() (goredis.UniversalClient, bool) {
	rb, ok := m.backend.(*RedisBackend)
	if !ok {
		return nil, false
	}
	return rb.Client(), true
}

func (m *Manager) backendName() string {
	if m.backend != nil {
		return string(BackendRedis)
	}
	return string(BackendMemory)
}

func (m *Manager) backendFailed(op, key string, err error) {
	m.backendErrors.Add(1)
	metrics.CacheBackendErrors.WithLabelValues(op).Inc()
	m.logger.Warn("cache backend error, falling back to local cache",
		"operation", op,
		"key", key,
		"error", err,
	)
}

// Get returns the value stored under key.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if !m.enabled {
		return nil, false
	}

	if m.backend != nil {
		val, err := m.backend.Get(ctx, key)
		if err == nil {
			return m.record(val, val != nil, string(BackendRedis))
		}
		m.backendFailed("get", key, err)
	}

	val, ok := m.local.get(key)
	return m.record(val, ok, string(BackendMemory))
}

func (m *Manager) record(val []byte, hit bool, backend string) ([]byte, bool) {
	if hit {
		m.hits.Add(1)
		metrics.CacheRequests.WithLabelValues(backend, "hit").Inc()
		return val, true
	}
	m.misses.Add(1)
	metrics.CacheRequests.WithLabelValues(backend, "miss").Inc()
	return nil, false
}

// Set stores value under key. A zero ttl uses the configured default.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if !m.enabled {
		return
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.sets.Add(1)

	if m.backend != nil {
		err := m.backend.Set(ctx, key, value, ttl)
		if err == nil {
			return
		}
		m.backendFailed("set", key, err)
	}

	if n := m.local.set(key, value, ttl); n > 0 {
		m.evictions.Add(int64(n))
		metrics.CacheEvictions.Add(float64(n))
		m.logger.Debug("local cache evicted entries", "count", n)
	}
}

// GetJSON decodes the value under key into v. It reports a miss when the
// entry is absent or cannot be decoded.
func (m *Manager) GetJSON(ctx context.Context, key string, v any) bool {
	data, ok := m.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		m.Invalidate(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it under key.
func (m *Manager) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if !m.enabled {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("cache value not serializable", "key", key, "error", err)
		return
	}
	m.Set(ctx, key, data, ttl)
}

// Invalidate removes key from the active store.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	if !m.enabled {
		return
	}
	m.deletes.Add(1)

	if m.backend != nil {
		err := m.backend.Delete(ctx, key)
		if err == nil {
			return
		}
		m.backendFailed("delete", key, err)
	}
	m.local.delete(key)
}

// Clear removes every entry from the active store.
func (m *Manager) Clear(ctx context.Context) {
	if !m.enabled {
		return
	}

	if m.backend != nil {
		err := m.backend.Flush(ctx)
		if err == nil {
			return
		}
		m.backendFailed("flush", "*", err)
	}
	m.local.flush()
}

// IncrWithExpiry increments key by one. See IncrByWithExpiry.
func (m *Manager) IncrWithExpiry(ctx context.Context, key string, ttlSeconds int64) (int64, error) {
	return m.IncrByWithExpiry(ctx, key, 1, ttlSeconds)
}

// IncrByWithExpiry atomically adds amount to key on the distributed backend.
// The expiry is attached if and only if this increment created the key.
// Unlike the other operations, errors are returned to the caller.
func (m *Manager) IncrByWithExpiry(ctx context.Context, key string, amount, ttlSeconds int64) (int64, error) {
	if m.backend == nil {
		return 0, errors.NewCacheError("no distributed cache backend configured", nil)
	}
	v, err := m.backend.IncrByWithExpiry(ctx, key, amount, ttlSeconds)
	if err != nil {
		m.backendErrors.Add(1)
		metrics.CacheBackendErrors.WithLabelValues("incr").Inc()
		return 0, errors.NewCacheError("atomic increment failed", err)
	}
	return v, nil
}

// Ping checks the backend, if any.
func (m *Manager) Ping(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Ping(ctx)
}

// Stats returns a snapshot of cache statistics.
func (m *Manager) Stats() Stats {
	s := Stats{
		Backend:       m.backendName(),
		Enabled:       m.enabled,
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Sets:          m.sets.Load(),
		Deletes:       m.deletes.Load(),
		BackendErrors: m.backendErrors.Load(),
		Evictions:     m.evictions.Load(),
		LocalEntries:  m.local.len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close releases the backend connection.
func (m *Manager) Close() error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}
