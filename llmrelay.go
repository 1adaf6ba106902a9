// Package llmrelay is the resilience and routing core of an LLM gateway,
// usable as a Go library.
//
// A Client fronts a set of upstream providers. Each request is checked
// against per-user rate limits, answered from the response cache when
// possible, routed to a provider by the configured strategy, and executed
// through that provider's circuit breaker with retries and fallback.
//
// Basic usage:
//
//	client, err := llmrelay.New(
//	    llmrelay.WithProvider("openai", openaiAdapter, "gpt-4o", "gpt-4o-mini"),
//	    llmrelay.WithProvider("anthropic", anthropicAdapter),
//	    llmrelay.WithRouterStrategy(llmrelay.Strategy{Kind: llmrelay.StrategyFallback}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.ChatCompletion(ctx, &llmrelay.ChatRequest{
//	    Model:    "gpt-4o",
//	    Messages: []llmrelay.ChatMessage{llmrelay.TextMessage("user", "Hello!")},
//	})
package llmrelay

import (
	"github.com/blueberrycongee/llmrelay/internal/cache"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/healthcheck"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/pricing"
	"github.com/blueberrycongee/llmrelay/internal/resilience"
	"github.com/blueberrycongee/llmrelay/internal/router"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Version is the current version of llmrelay.
const Version = "0.3.0"

// Re-export request and response types so callers can write
// llmrelay.ChatRequest instead of types.ChatRequest.
type (
	ChatRequest           = types.ChatRequest
	ChatResponse          = types.ChatResponse
	ChatMessage           = types.ChatMessage
	StreamChunk           = types.StreamChunk
	Usage                 = types.Usage
	EmbeddingRequest      = types.EmbeddingRequest
	EmbeddingResponse     = types.EmbeddingResponse
	ImageRequest          = types.ImageRequest
	ImageResponse         = types.ImageResponse
	TranscriptionRequest  = types.TranscriptionRequest
	TranscriptionResponse = types.TranscriptionResponse
	SpeechRequest         = types.SpeechRequest
	SpeechResponse        = types.SpeechResponse
)

// Provider types.
type (
	// Provider is the capability set an upstream adapter implements.
	Provider = provider.Provider

	// ProviderStream yields chunks of a streaming completion.
	ProviderStream = provider.Stream
)

// Routing types.
type (
	Strategy          = router.Strategy
	StrategyKind      = router.StrategyKind
	Rule              = router.Rule
	Condition         = router.Condition
	RoutingContext    = router.RoutingContext
	ProviderSelection = router.ProviderSelection
	ProviderStats     = router.ProviderStats
)

// Routing strategies.
const (
	StrategySingle        = router.StrategySingle
	StrategyFallback      = router.StrategyFallback
	StrategyLoadBalance   = router.StrategyLoadBalance
	StrategyConditional   = router.StrategyConditional
	StrategyABTesting     = router.StrategyABTesting
	StrategyRoundRobin    = router.StrategyRoundRobin
	StrategyLeastUsed     = router.StrategyLeastUsed
	StrategyLowestLatency = router.StrategyLowestLatency
)

// Resilience types.
type (
	CircuitBreakerConfig = resilience.CircuitBreakerConfig
	CircuitMetrics       = resilience.CircuitMetrics
	RateLimits           = resilience.RateLimits
	ProviderLimits       = resilience.ProviderLimits
	SweeperConfig        = resilience.SweeperConfig
	RetryConfig          = config.RetryConfig
)

// Supporting service types.
type (
	CacheConfig       = cache.Config
	CacheStats        = cache.Stats
	HealthCheckConfig = healthcheck.Config
	MetricsSink       = metrics.Sink
	MetricsRecord     = metrics.Record
	ModelPricing      = pricing.ModelPricing
)

// GatewayError is the error type returned by every Client operation.
type GatewayError = errors.GatewayError

// TextMessage builds a plain-text chat message.
func TextMessage(role, text string) ChatMessage {
	return types.TextMessage(role, text)
}

// Routing rule conditions.
var (
	ModelName      = router.ModelName
	ModelPrefix    = router.ModelPrefix
	UserRegion     = router.UserRegion
	MinRequestSize = router.MinRequestSize
	MinTokenCount  = router.MinTokenCount
	TimeOfDay      = router.TimeOfDay
)
