// Package cache is the response cache of the gateway. It stores opaque values
// under string keys in Redis when configured, falls back to a bounded in-memory
// table when Redis is absent or failing, and exposes the atomic counters the
// distributed rate limiter is built on.
package cache

import (
	"context"
	"time"
)

// BackendKind selects the preferred storage backend.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendRedis  BackendKind = "redis"
)

// Config holds the cache configuration.
type Config struct {
	Enabled bool        `yaml:"enabled"`
	Backend BackendKind `yaml:"backend"`
	// TTL is the default entry lifetime.
	TTL time.Duration `yaml:"ttl"`
	// MaxSize bounds the number of entries in the local table.
	MaxSize int `yaml:"max_size"`
	// CleanupInterval is how often the local janitor purges expired entries.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Backend:         BackendMemory,
		TTL:             time.Hour,
		MaxSize:         10000,
		CleanupInterval: 10 * time.Minute,
		Redis:           DefaultRedisConfig(),
	}
}

// Backend is a remote key/value store. Get returns nil, nil on a miss.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	// IncrByWithExpiry adds amount to key and attaches ttlSeconds only when
	// this increment created the key.
	IncrByWithExpiry(ctx context.Context, key string, amount, ttlSeconds int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Backend       string  `json:"backend"`
	Enabled       bool    `json:"enabled"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Deletes       int64   `json:"deletes"`
	BackendErrors int64   `json:"backend_errors"`
	Evictions     int64   `json:"evictions"`
	LocalEntries  int     `json:"local_entries"`
	HitRate       float64 `json:"hit_rate"`
}
