// Package metrics provides the Prometheus collectors of the gateway core and
// the Sink through which the client reports each finished request.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "llmrelay"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 1.5, 2.0, 3.0, 4.0, 5.0, 7.5,
	10.0, 15.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// RequestsTotal counts requests finished by the client.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"method", "provider", "model", "status_code", "cache_hit"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"method", "provider", "model"},
	)

	// InputTokens counts prompt tokens.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens",
			Help:      "Total input tokens",
		},
		[]string{"provider", "model"},
	)

	// OutputTokens counts completion tokens.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens",
			Help:      "Total output tokens",
		},
		[]string{"provider", "model"},
	)

	// TotalSpend tracks total spend.
	TotalSpend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Total spend in USD",
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// Resilience Metrics
// =============================================================================

// Circuit breaker gauge values.
const (
	CircuitClosed   = 0
	CircuitOpen     = 1
	CircuitHalfOpen = 2
)

var (
	// CircuitBreakerState reports the breaker state per provider
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// ProviderAttempts counts calls made to providers by outcome
	// (success, failure, rejected, throttled).
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider call attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Retries counts same-provider retries.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries against the same provider",
		},
		[]string{"provider"},
	)

	// Fallbacks counts fallback attempts to alternate providers.
	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback attempts by originating and fallback provider",
		},
		[]string{"from", "to", "result"},
	)

	// RateLimitRejections counts per-user rejections by limit and enforcement path.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the user rate limiter",
		},
		[]string{"limit", "path"},
	)

	// RateLimiterBackendErrors counts distributed limiter failures and the
	// action taken (allow when failing open, deny otherwise).
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_backend_errors_total",
			Help:      "Distributed rate limiter backend errors",
		},
		[]string{"action"},
	)

	// RateLimiterEvictions counts local limiter entries dropped by the sweeper.
	RateLimiterEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_evictions_total",
			Help:      "Local rate limiter entries evicted by the background sweep",
		},
		[]string{"reason"},
	)
)

// =============================================================================
// Cache Metrics
// =============================================================================

var (
	// CacheRequests counts cache lookups by backend and result (hit, miss).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by backend and result",
		},
		[]string{"backend", "result"},
	)

	// CacheBackendErrors counts remote cache failures that fell back to local.
	CacheBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_backend_errors_total",
			Help:      "Remote cache backend errors by operation",
		},
		[]string{"operation"},
	)

	// CacheEvictions counts local entries evicted for capacity.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Local cache entries evicted to make room",
		},
	)
)

// =============================================================================
// Routing Metrics
// =============================================================================

var (
	// RoutingDecisions counts provider selections by strategy.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Provider selections by routing strategy",
		},
		[]string{"strategy", "provider"},
	)

	// RoutingUnhealthy counts candidates dropped by the health filter.
	RoutingUnhealthy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_unhealthy_total",
			Help:      "Candidates excluded from selection as unhealthy",
		},
		[]string{"provider"},
	)

	// RoutingStatsErrors counts stats store failures seen by the router.
	RoutingStatsErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_stats_errors_total",
			Help:      "Router stats store errors by operation",
		},
		[]string{"operation"},
	)
)

// =============================================================================
// Health Check Metrics
// =============================================================================

var (
	// ProviderHealthy is 1 when the last proactive probe of a provider
	// succeeded and 0 when it failed.
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Result of the last proactive provider health probe",
		},
		[]string{"provider"},
	)
)
