// Package config loads the gateway configuration from YAML and hot-reloads
// it with fsnotify and atomic pointer swaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmrelay/internal/cache"
	"github.com/blueberrycongee/llmrelay/internal/healthcheck"
	"github.com/blueberrycongee/llmrelay/internal/observability"
	"github.com/blueberrycongee/llmrelay/internal/pricing"
	"github.com/blueberrycongee/llmrelay/internal/resilience"
	"github.com/blueberrycongee/llmrelay/internal/router"
)

// Config represents the complete gateway core configuration.
type Config struct {
	CircuitBreaker resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig                 `yaml:"rate_limit"`
	Cache          cache.Config                    `yaml:"cache"`
	Routing        RoutingConfig                   `yaml:"routing"`
	Providers      []ProviderConfig                `yaml:"providers"`
	Logging        observability.LoggingConfig     `yaml:"logging"`
	Tracing        observability.TracingConfig     `yaml:"tracing"`
	HealthCheck    healthcheck.Config              `yaml:"health_check"`

	// Pricing adds to or overrides the built-in model prices.
	Pricing []pricing.ModelPricing `yaml:"pricing"`
}

// RateLimitConfig configures per-user limits.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	resilience.RateLimits `yaml:",inline"`

	// Distributed enforces the fixed windows on the cache backend when one
	// is available.
	Distributed bool `yaml:"distributed"`

	// FailOpen admits requests when the distributed backend errors.
	FailOpen bool `yaml:"fail_open"`

	// SlidingWindow replaces the fixed windows with the local sliding
	// window check.
	SlidingWindow bool `yaml:"sliding_window"`

	// Users overrides the default limits per user ID.
	Users map[string]resilience.RateLimits `yaml:"users"`

	Sweeper resilience.SweeperConfig `yaml:"sweeper"`
}

// RoutingConfig selects the routing strategy and the retry policy.
type RoutingConfig struct {
	Strategy router.StrategyKind `yaml:"strategy"`
	Weights  []float64           `yaml:"weights"`
	Rules    []router.Rule       `yaml:"rules"`
	Split    float64             `yaml:"split"`
	Seed     int64               `yaml:"seed"`

	// StatsBackend is memory or redis. Redis shares provider stats through
	// the cache's Redis connection settings.
	StatsBackend string `yaml:"stats_backend"`

	FallbackEnabled bool        `yaml:"fallback_enabled"`
	Retry           RetryConfig `yaml:"retry"`
}

// RouterStrategy converts the routing section into a router.Strategy.
func (r RoutingConfig) RouterStrategy() router.Strategy {
	return router.Strategy{
		Kind:    r.Strategy,
		Weights: r.Weights,
		Rules:   r.Rules,
		Split:   r.Split,
	}
}

// RetryConfig controls same-provider retries.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterFactor  float64       `yaml:"jitter_factor"`
}

// ProviderConfig describes one upstream provider. The provider
// implementation itself is registered in code under the same ID.
type ProviderConfig struct {
	ID            string   `yaml:"id"`
	Models        []string `yaml:"models"`
	RPS           float64  `yaml:"rps"`
	Burst         int      `yaml:"burst"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// Limits returns the outbound admission limits for the provider.
func (p ProviderConfig) Limits() resilience.ProviderLimits {
	return resilience.ProviderLimits{RPS: p.RPS, Burst: p.Burst, MaxConcurrent: p.MaxConcurrent}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(),
		RateLimit: RateLimitConfig{
			Enabled:     false,
			RateLimits:  resilience.DefaultRateLimits(),
			Distributed: true,
			Sweeper:     resilience.DefaultSweeperConfig(),
		},
		Cache: cache.DefaultConfig(),
		Routing: RoutingConfig{
			Strategy:        router.StrategyFallback,
			StatsBackend:    "memory",
			FallbackEnabled: true,
			Retry: RetryConfig{
				MaxRetries:    3,
				InitialDelay:  time.Second,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2.0,
				JitterFactor:  0.2,
			},
		},
		Logging:     observability.DefaultLoggingConfig(),
		Tracing:     observability.DefaultTracingConfig(),
		HealthCheck: healthcheck.DefaultConfig(),
	}
}

// Load parses YAML data on top of DefaultConfig. Environment variables in
// the format ${VAR_NAME} are expanded.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads and parses a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Load(data)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	cb := c.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be positive")
	}
	if cb.RecoveryTimeout < 0 || cb.RequestTimeout < 0 {
		return fmt.Errorf("circuit_breaker timeouts cannot be negative")
	}

	if c.RateLimit.Sweeper.Retention < 0 || c.RateLimit.Sweeper.MaxEntries < 0 {
		return fmt.Errorf("rate_limit.sweeper: retention and max_entries cannot be negative")
	}

	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendRedis:
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 || c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache: ttl and max_size cannot be negative")
	}
	if c.Cache.Backend == cache.BackendRedis && c.Cache.Redis.Addr == "" &&
		len(c.Cache.Redis.ClusterAddrs) == 0 && len(c.Cache.Redis.SentinelAddrs) == 0 {
		return fmt.Errorf("cache.redis: an address is required for the redis backend")
	}

	if err := c.Routing.RouterStrategy().Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	switch c.Routing.StatsBackend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("routing.stats_backend must be memory or redis, got %q", c.Routing.StatsBackend)
	}
	r := c.Routing.Retry
	if r.MaxRetries < 0 {
		return fmt.Errorf("routing.retry.max_retries cannot be negative")
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("routing.retry delays cannot be negative")
	}
	if r.BackoffFactor != 0 && r.BackoffFactor < 1 {
		return fmt.Errorf("routing.retry.backoff_factor must be at least 1")
	}
	if r.JitterFactor < 0 || r.JitterFactor > 1 {
		return fmt.Errorf("routing.retry.jitter_factor must be within [0, 1]")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.RPS < 0 || p.Burst < 0 || p.MaxConcurrent < 0 {
			return fmt.Errorf("providers[%d] %q: limits cannot be negative", i, p.ID)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	for i, p := range c.Pricing {
		if p.Model == "" {
			return fmt.Errorf("pricing[%d]: model is required", i)
		}
		if p.InputCostPer1K < 0 || p.OutputCostPer1K < 0 {
			return fmt.Errorf("pricing[%d] %q: costs cannot be negative", i, p.Model)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if c.HealthCheck.Interval < 0 || c.HealthCheck.Timeout < 0 {
		return fmt.Errorf("health_check: interval and timeout cannot be negative")
	}
	return nil
}
