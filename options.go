package llmrelay

import (
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmrelay/internal/cache"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/healthcheck"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/observability"
	"github.com/blueberrycongee/llmrelay/internal/pricing"
	"github.com/blueberrycongee/llmrelay/internal/resilience"
	"github.com/blueberrycongee/llmrelay/internal/router"
)

// ClientConfig holds all configuration for the Client.
type ClientConfig struct {
	// Providers registered in code, in registration order.
	Providers []providerEntry

	// ProviderModels supplies models for providers registered without any.
	ProviderModels map[string][]string

	// ProviderLimits bounds outbound traffic per provider.
	ProviderLimits map[string]resilience.ProviderLimits

	CircuitBreaker resilience.CircuitBreakerConfig

	// Routing
	RouterStrategy  router.Strategy
	RouterSeed      int64
	StatsStore      router.StatsStore
	StatsBackend    string
	FallbackEnabled bool
	Retry           RetryConfig

	// Caching. Cache overrides CacheConfig.
	Cache       *cache.Manager
	CacheConfig cache.Config

	// Per-user rate limiting. RateLimiter overrides the other fields.
	RateLimitEnabled     bool
	RateLimits           resilience.RateLimits
	UserLimits           map[string]resilience.RateLimits
	RateLimitDistributed bool
	RateLimitFailOpen    bool
	SlidingWindow        bool
	Sweeper              resilience.SweeperConfig
	RateLimiter          *resilience.RateLimiter

	// Proactive provider probing
	HealthCheck healthcheck.Config

	// Observability
	MetricsSink metrics.Sink
	Tracer      trace.Tracer
	Tracing     observability.TracingConfig
	Logger      *slog.Logger

	// Pricing
	Pricing     *pricing.Calculator
	PricingFile string

	// Previous is the client being replaced. See WithStateFrom.
	Previous *Client
}

type providerEntry struct {
	ID       string
	Provider Provider
	Models   []string
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

func defaultConfig() *ClientConfig {
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Enabled = false

	return &ClientConfig{
		ProviderModels:  make(map[string][]string),
		ProviderLimits:  make(map[string]resilience.ProviderLimits),
		CircuitBreaker:  resilience.DefaultCircuitBreakerConfig(),
		RouterStrategy:  router.Strategy{Kind: router.StrategyFallback},
		StatsBackend:    "memory",
		FallbackEnabled: true,
		Retry: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			JitterFactor:  0.2,
		},
		CacheConfig:          cacheCfg,
		RateLimits:           resilience.DefaultRateLimits(),
		UserLimits:           make(map[string]resilience.RateLimits),
		RateLimitDistributed: true,
		Sweeper:              resilience.DefaultSweeperConfig(),
		HealthCheck:          healthcheck.DefaultConfig(),
		Tracing:              observability.DefaultTracingConfig(),
		Logger:               slog.Default(),
	}
}

// WithProvider registers a provider under id. Without models the provider
// is a candidate for every model.
func WithProvider(id string, p Provider, models ...string) Option {
	return func(c *ClientConfig) {
		c.Providers = append(c.Providers, providerEntry{ID: id, Provider: p, Models: models})
	}
}

// WithProviderLimits sets the outbound requests-per-second throttle and
// concurrency bound for a provider.
func WithProviderLimits(id string, limits ProviderLimits) Option {
	return func(c *ClientConfig) {
		c.ProviderLimits[id] = limits
	}
}

// WithCircuitBreaker sets the breaker configuration used for every provider.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(c *ClientConfig) {
		c.CircuitBreaker = cfg
	}
}

// WithRouterStrategy sets the routing strategy.
func WithRouterStrategy(s Strategy) Option {
	return func(c *ClientConfig) {
		c.RouterStrategy = s
	}
}

// WithRouterSeed fixes the random source used by weighted and A/B routing.
func WithRouterSeed(seed int64) Option {
	return func(c *ClientConfig) {
		c.RouterSeed = seed
	}
}

// WithStatsStore sets the store for provider statistics.
// Use a router.RedisStatsStore to share stats across instances.
func WithStatsStore(store router.StatsStore) Option {
	return func(c *ClientConfig) {
		c.StatsStore = store
	}
}

// WithFallback enables or disables fallback to alternate providers.
func WithFallback(enabled bool) Option {
	return func(c *ClientConfig) {
		c.FallbackEnabled = enabled
	}
}

// WithRetry sets the retry count and initial backoff delay.
func WithRetry(count int, initialDelay time.Duration) Option {
	return func(c *ClientConfig) {
		c.Retry.MaxRetries = count
		c.Retry.InitialDelay = initialDelay
	}
}

// WithRetryMaxBackoff caps the backoff delay. Zero disables the cap.
func WithRetryMaxBackoff(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.Retry.MaxDelay = d
	}
}

// WithRetryBackoffFactor sets the multiplier applied per retry.
func WithRetryBackoffFactor(f float64) Option {
	return func(c *ClientConfig) {
		c.Retry.BackoffFactor = f
	}
}

// WithRetryJitter sets the proportional jitter applied to each delay.
func WithRetryJitter(f float64) Option {
	return func(c *ClientConfig) {
		c.Retry.JitterFactor = f
	}
}

// WithCache enables response caching with cfg.
func WithCache(cfg CacheConfig) Option {
	return func(c *ClientConfig) {
		c.CacheConfig = cfg
		c.CacheConfig.Enabled = true
	}
}

// WithCacheManager uses an existing cache. The client does not close it.
func WithCacheManager(m *cache.Manager) Option {
	return func(c *ClientConfig) {
		c.Cache = m
	}
}

// WithRateLimit enables per-user rate limiting with default limits.
func WithRateLimit(limits RateLimits) Option {
	return func(c *ClientConfig) {
		c.RateLimitEnabled = true
		c.RateLimits = limits
	}
}

// WithUserRateLimit overrides the limits for one user.
func WithUserRateLimit(userID string, limits RateLimits) Option {
	return func(c *ClientConfig) {
		c.UserLimits[userID] = limits
	}
}

// WithRateLimitFailOpen admits requests when the distributed limiter
// backend errors.
func WithRateLimitFailOpen(failOpen bool) Option {
	return func(c *ClientConfig) {
		c.RateLimitFailOpen = failOpen
	}
}

// WithSlidingWindow enforces the per-user limits with the local sliding
// window instead of fixed windows.
func WithSlidingWindow() Option {
	return func(c *ClientConfig) {
		c.SlidingWindow = true
	}
}

// WithRateLimiter uses an existing rate limiter.
func WithRateLimiter(rl *resilience.RateLimiter) Option {
	return func(c *ClientConfig) {
		c.RateLimiter = rl
		c.RateLimitEnabled = true
	}
}

// WithStateFrom carries the runtime state of prev into the new client:
// breaker states, provider throttles and semaphores, router statistics, the
// response cache and the per-user rate limit counters. The new client's
// limits, breaker thresholds and routing strategy apply to that state. The
// cache and the rate limiter are carried over only while their backend
// settings are unchanged.
//
// prev must be closed once the new client serves traffic; closing it leaves
// the carried state intact.
func WithStateFrom(prev *Client) Option {
	return func(c *ClientConfig) {
		c.Previous = prev
	}
}

// WithHealthCheck probes every provider on an interval. With
// cfg.OpenOnFailure a failed probe opens the provider's breaker.
func WithHealthCheck(cfg healthcheck.Config) Option {
	return func(c *ClientConfig) {
		c.HealthCheck = cfg
		c.HealthCheck.Enabled = true
	}
}

// WithMetricsSink sets the sink that receives a record per request.
// Defaults to the Prometheus sink.
func WithMetricsSink(s MetricsSink) Option {
	return func(c *ClientConfig) {
		c.MetricsSink = s
	}
}

// WithTracer sets the tracer used for provider attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *ClientConfig) {
		c.Tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithPricing adds model prices on top of the built-in table.
func WithPricing(prices ...ModelPricing) Option {
	return func(c *ClientConfig) {
		if c.Pricing == nil {
			c.Pricing = pricing.NewCalculator(pricing.DefaultPricing)
		}
		for _, p := range prices {
			c.Pricing.AddPricing(p)
		}
	}
}

// WithPricingFile loads additional model prices from a JSON file.
func WithPricingFile(path string) Option {
	return func(c *ClientConfig) {
		c.PricingFile = path
	}
}

// WithConfig applies a loaded configuration file. Options given after it
// take precedence.
func WithConfig(cfg *config.Config) Option {
	return func(c *ClientConfig) {
		if cfg == nil {
			return
		}

		c.CircuitBreaker = cfg.CircuitBreaker

		rl := cfg.RateLimit
		c.RateLimitEnabled = rl.Enabled
		c.RateLimits = rl.RateLimits
		c.RateLimitDistributed = rl.Distributed
		c.RateLimitFailOpen = rl.FailOpen
		c.SlidingWindow = rl.SlidingWindow
		c.Sweeper = rl.Sweeper
		for user, limits := range rl.Users {
			c.UserLimits[user] = limits
		}

		c.CacheConfig = cfg.Cache

		c.RouterStrategy = cfg.Routing.RouterStrategy()
		c.RouterSeed = cfg.Routing.Seed
		c.StatsBackend = cfg.Routing.StatsBackend
		c.FallbackEnabled = cfg.Routing.FallbackEnabled
		c.Retry = cfg.Routing.Retry

		for _, p := range cfg.Providers {
			if len(p.Models) > 0 {
				c.ProviderModels[p.ID] = p.Models
			}
			c.ProviderLimits[p.ID] = p.Limits()
		}

		c.Logger = observability.NewLogger(cfg.Logging, os.Stderr)
		c.Tracing = cfg.Tracing
		c.HealthCheck = cfg.HealthCheck

		c.Pricing = pricing.NewCalculator(pricing.DefaultPricing)
		for _, p := range cfg.Pricing {
			c.Pricing.AddPricing(p)
		}
	}
}
