package llmrelay

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmrelay/internal/cache"
	"github.com/blueberrycongee/llmrelay/internal/healthcheck"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/observability"
	"github.com/blueberrycongee/llmrelay/internal/pricing"
	"github.com/blueberrycongee/llmrelay/internal/resilience"
	"github.com/blueberrycongee/llmrelay/internal/router"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Client is the gateway orchestrator. It owns the provider registry, the
// per-provider breakers and throttles, the router, the response cache and
// the per-user rate limiter.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	providers map[string]provider.Provider
	order     []string
	models    map[string]map[string]struct{} // provider -> served models; empty serves all

	router     *router.Router
	resilience *resilience.Manager
	limiter    *resilience.RateLimiter
	sweeper    *resilience.Sweeper
	prober     *healthcheck.Prober
	cache      *cache.Manager
	ownsCache  bool
	pricing    *pricing.Calculator
	sink       metrics.Sink
	tracer     trace.Tracer
	tracing    *observability.TracerProvider
	logger     *slog.Logger
	config     *ClientConfig

	backoffMu   sync.Mutex
	backoffRand *rand.Rand

	// Set when a newer client took over the stats store or the cache.
	keepStore atomic.Bool
	keepCache atomic.Bool

	// State carried over from the replaced client. commit applies the new
	// settings to it once construction succeeds; until then Close leaves
	// it alone.
	borrowedStore bool
	borrowedCache bool
	commit        []func()

	stop      context.CancelFunc
	closeOnce sync.Once
}

// New creates a Client with the given options.
//
// Example:
//
//	client, err := llmrelay.New(
//	    llmrelay.WithProvider("openai", openaiAdapter, "gpt-4o"),
//	    llmrelay.WithProvider("azure", azureAdapter, "gpt-4o"),
//	    llmrelay.WithRetry(2, 500*time.Millisecond),
//	    llmrelay.WithRateLimit(llmrelay.RateLimits{RequestsPerMinute: 60}),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.BackoffFactor <= 0 {
		cfg.Retry.BackoffFactor = 1
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Client{
		providers:   make(map[string]provider.Provider),
		models:      make(map[string]map[string]struct{}),
		logger:      cfg.Logger,
		config:      cfg,
		sink:        cfg.MetricsSink,
		tracer:      cfg.Tracer,
		backoffRand: rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:        stop,
	}

	for _, entry := range cfg.Providers {
		if err := c.register(entry); err != nil {
			stop()
			return nil, err
		}
	}
	for id := range cfg.ProviderModels {
		if _, ok := c.providers[id]; !ok {
			c.logger.Warn("configured provider has no registered implementation", "provider", id)
		}
	}

	prev := cfg.Previous
	cfg.Previous = nil

	if prev != nil {
		c.resilience = prev.resilience
		c.commit = append(c.commit, func() {
			c.resilience.SetBreakerConfig(cfg.CircuitBreaker)
			for id := range c.resilience.Limits() {
				if _, ok := cfg.ProviderLimits[id]; !ok {
					c.resilience.SetLimits(id, resilience.ProviderLimits{})
				}
			}
			for id, limits := range cfg.ProviderLimits {
				c.resilience.SetLimits(id, limits)
			}
		})
	} else {
		c.resilience = resilience.NewManager(resilience.ManagerConfig{
			CircuitBreaker: cfg.CircuitBreaker,
			OnStateChange:  recordBreakerState,
			Logger:         c.logger,
		})
		for id, limits := range cfg.ProviderLimits {
			c.resilience.SetLimits(id, limits)
		}
	}

	switch {
	case cfg.Cache != nil:
		c.cache = cfg.Cache
	case prev != nil && prev.ownsCache && reflect.DeepEqual(cfg.CacheConfig, prev.config.CacheConfig):
		c.cache = prev.cache
		c.ownsCache = true
		c.borrowedCache = true
		c.commit = append(c.commit, func() {
			prev.keepCache.Store(true)
			c.borrowedCache = false
		})
	default:
		c.cache = cache.NewManager(cfg.CacheConfig, c.logger)
		c.ownsCache = true
	}

	r, err := router.New(router.Config{
		Strategy: cfg.RouterStrategy,
		Store:    c.statsStore(prev),
		Seed:     cfg.RouterSeed,
		Logger:   c.logger,
	})
	if err != nil {
		c.closeCache()
		stop()
		return nil, fmt.Errorf("router: %w", err)
	}
	c.router = r

	if err := c.initRateLimiter(ctx, prev); err != nil {
		_ = c.Close()
		return nil, err
	}

	if err := c.initPricing(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if c.sink == nil {
		c.sink = metrics.NewPrometheusSink()
	}
	if c.tracer == nil && cfg.Tracing.Enabled {
		tp, err := observability.InitTracing(ctx, cfg.Tracing)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("tracing: %w", err)
		}
		c.tracing = tp
		c.tracer = tp.Tracer()
	}
	if c.tracer == nil {
		c.tracer = observability.Tracer()
	}

	for _, fn := range c.commit {
		fn()
	}
	c.commit = nil

	if cfg.HealthCheck.Enabled {
		c.prober = healthcheck.NewProber(cfg.HealthCheck, c, c.logger)
		c.prober.Start(ctx)
	}

	c.logger.Info("llmrelay client initialized",
		"providers", len(c.providers),
		"strategy", string(cfg.RouterStrategy.Kind),
		"cache_enabled", c.cache.Enabled(),
		"rate_limit_enabled", c.limiter != nil,
		"carried_state", prev != nil,
	)

	return c, nil
}

func (c *Client) register(entry providerEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if entry.Provider == nil {
		return fmt.Errorf("provider %s is nil", entry.ID)
	}
	if _, dup := c.providers[entry.ID]; dup {
		return fmt.Errorf("duplicate provider id %q", entry.ID)
	}

	models := entry.Models
	if len(models) == 0 {
		models = c.config.ProviderModels[entry.ID]
	}
	served := make(map[string]struct{}, len(models))
	for _, m := range models {
		served[m] = struct{}{}
	}

	c.providers[entry.ID] = entry.Provider
	c.models[entry.ID] = served
	c.order = append(c.order, entry.ID)
	return nil
}

func (c *Client) statsStore(prev *Client) router.StatsStore {
	if c.config.StatsStore != nil {
		if prev != nil && prev.router.Store() == c.config.StatsStore {
			c.borrowStore(prev)
		}
		return c.config.StatsStore
	}
	if prev != nil && prev.config.StatsStore == nil && prev.config.StatsBackend == c.config.StatsBackend &&
		(c.config.StatsBackend != "redis" || prev.cache == c.cache) {
		c.borrowStore(prev)
		return prev.router.Store()
	}
	if c.config.StatsBackend != "redis" {
		return nil
	}
	client, ok := c.cache.RedisClient()
	if !ok {
		c.logger.Warn("redis stats backend requested but no redis cache backend is available, using memory")
		return nil
	}
	return router.NewRedisStatsStore(client)
}

func (c *Client) borrowStore(prev *Client) {
	c.borrowedStore = true
	c.commit = append(c.commit, func() {
		prev.keepStore.Store(true)
		c.borrowedStore = false
	})
}

func (c *Client) initRateLimiter(ctx context.Context, prev *Client) error {
	cfg := c.config
	if cfg.RateLimiter != nil {
		c.limiter = cfg.RateLimiter
		return nil
	}
	if !cfg.RateLimitEnabled {
		return nil
	}

	if prev != nil && prev.limiter != nil && prev.config.RateLimiter == nil &&
		prev.cache == c.cache && prev.config.RateLimitDistributed == cfg.RateLimitDistributed {
		c.limiter = prev.limiter
		c.commit = append(c.commit, func() {
			c.limiter.Reconfigure(cfg.RateLimits, cfg.UserLimits, cfg.RateLimitFailOpen)
		})
	} else {
		var store resilience.CounterStore
		if cfg.RateLimitDistributed {
			store = c.cache
		}
		c.limiter = resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Limits:   cfg.RateLimits,
			Store:    store,
			FailOpen: cfg.RateLimitFailOpen,
			Logger:   c.logger,
		})
		for user, limits := range cfg.UserLimits {
			c.limiter.SetLimits(user, limits)
		}
	}

	c.sweeper = resilience.NewSweeper(c.limiter, cfg.Sweeper, c.logger)
	if err := c.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("rate limiter sweeper: %w", err)
	}
	return nil
}

func (c *Client) initPricing() error {
	c.pricing = c.config.Pricing
	if c.pricing == nil {
		c.pricing = pricing.NewCalculator(pricing.DefaultPricing)
	}
	if c.config.PricingFile != "" {
		if err := c.pricing.LoadFile(c.config.PricingFile); err != nil {
			return fmt.Errorf("load pricing file: %w", err)
		}
	}
	return nil
}

func recordBreakerState(name string, _, to resilience.CircuitState) {
	value := metrics.CircuitClosed
	switch to {
	case resilience.StateOpen:
		value = metrics.CircuitOpen
	case resilience.StateHalfOpen:
		value = metrics.CircuitHalfOpen
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(value))
}

// candidates returns the providers serving model, in registration order.
func (c *Client) candidates(model string) []string {
	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		served := c.models[id]
		if len(served) == 0 {
			out = append(out, id)
			continue
		}
		if _, ok := served[model]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ChatCompletion sends a chat completion request.
// It handles rate limiting, caching, routing, retries and fallback.
func (c *Client) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}

	op := operation[*ChatResponse]{
		name:   "chat_completion",
		path:   "/v1/chat/completions",
		model:  req.Model,
		user:   req.User,
		size:   req.Size(),
		tokens: req.EstimateTokens(),
		invoke: func(ctx context.Context, p provider.Provider) (*ChatResponse, error) {
			return p.ChatCompletion(ctx, req)
		},
		usage: func(resp *ChatResponse) (int, int) {
			if resp == nil || resp.Usage == nil {
				return 0, 0
			}
			return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		},
	}
	if !req.Stream {
		if key, err := cache.ChatKey(req); err == nil {
			op.cacheKey = key
		} else {
			c.logger.Debug("chat cache key generation failed", "error", err)
		}
	}
	return run(ctx, c, op)
}

// ChatCompletionStream opens a streaming chat completion. Retries and
// fallback apply to opening the stream; once chunks flow, errors are
// returned from StreamReader.Recv. The provider concurrency slot is held
// until the stream ends. The caller must Close the reader.
func (c *Client) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*StreamReader, error) {
	if err := validateChat(req); err != nil {
		return nil, err
	}
	streamReq := *req
	streamReq.Stream = true
	req = &streamReq

	op := operation[provider.Stream]{
		name:   "chat_completion_stream",
		path:   "/v1/chat/completions",
		model:  req.Model,
		user:   req.User,
		size:   req.Size(),
		tokens: req.EstimateTokens(),
		invoke: func(ctx context.Context, p provider.Provider) (provider.Stream, error) {
			return p.StreamChatCompletion(ctx, req)
		},
		hold: func(s provider.Stream, done func()) provider.Stream {
			return &heldStream{Stream: s, done: done}
		},
		discard: func(s provider.Stream) {
			if s != nil {
				_ = s.Close()
			}
		},
	}

	start := time.Now()
	res, err := execute(ctx, c, op)
	if err != nil {
		c.finish(op.record(res.provider, false), start, err)
		return nil, err
	}
	return newStreamReader(res.value, c, op.record(res.provider, false), start), nil
}

// Embedding sends an embedding request. Responses are cached.
func (c *Client) Embedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if req == nil {
		return nil, errors.NewInvalidRequestError("request is nil")
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		return nil, errors.NewInvalidRequestError(err.Error())
	}
	if err := req.Validate(); err != nil {
		return nil, errors.NewInvalidRequestError(err.Error())
	}

	size := req.Input.Size()
	op := operation[*EmbeddingResponse]{
		name:   "embedding",
		path:   "/v1/embeddings",
		model:  req.Model,
		user:   req.User,
		size:   size,
		tokens: (size + 3) / 4,
		invoke: func(ctx context.Context, p provider.Provider) (*EmbeddingResponse, error) {
			return p.Embedding(ctx, req)
		},
		usage: func(resp *EmbeddingResponse) (int, int) {
			if resp == nil {
				return 0, 0
			}
			return resp.Usage.PromptTokens, 0
		},
	}
	if key, err := cache.EmbeddingKey(req); err == nil {
		op.cacheKey = key
	}
	return run(ctx, c, op)
}

// ImageGeneration sends an image generation request.
func (c *Client) ImageGeneration(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	if req == nil || req.Prompt == "" {
		return nil, errors.NewInvalidRequestError("prompt is required")
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		return nil, errors.NewInvalidRequestError(err.Error())
	}
	return run(ctx, c, operation[*ImageResponse]{
		name:  "image_generation",
		path:  "/v1/images/generations",
		model: req.Model,
		user:  req.User,
		size:  len(req.Prompt),
		invoke: func(ctx context.Context, p provider.Provider) (*ImageResponse, error) {
			return p.ImageGeneration(ctx, req)
		},
	})
}

// AudioTranscription sends an audio transcription request.
func (c *Client) AudioTranscription(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error) {
	if req == nil || len(req.File) == 0 {
		return nil, errors.NewInvalidRequestError("audio file is required")
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		return nil, errors.NewInvalidRequestError(err.Error())
	}
	return run(ctx, c, operation[*TranscriptionResponse]{
		name:  "audio_transcription",
		path:  "/v1/audio/transcriptions",
		model: req.Model,
		user:  req.User,
		size:  len(req.File),
		invoke: func(ctx context.Context, p provider.Provider) (*TranscriptionResponse, error) {
			return p.AudioTranscription(ctx, req)
		},
	})
}

// TextToSpeech sends a speech synthesis request.
func (c *Client) TextToSpeech(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error) {
	if req == nil || req.Input == "" {
		return nil, errors.NewInvalidRequestError("input is required")
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		return nil, errors.NewInvalidRequestError(err.Error())
	}
	return run(ctx, c, operation[*SpeechResponse]{
		name:  "text_to_speech",
		path:  "/v1/audio/speech",
		model: req.Model,
		user:  req.User,
		size:  len(req.Input),
		invoke: func(ctx context.Context, p provider.Provider) (*SpeechResponse, error) {
			return p.TextToSpeech(ctx, req)
		},
	})
}

// HealthCheck probes every registered provider concurrently and returns the
// error of each one that failed. An empty map means all are healthy.
func (c *Client) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error)
	)
	for _, id := range c.order {
		wg.Add(1)
		go func(id string, p provider.Provider) {
			defer wg.Done()
			if err := p.HealthCheck(ctx); err != nil {
				c.logger.Warn("provider health check failed", "provider", id, "error", err)
				mu.Lock()
				results[id] = err
				mu.Unlock()
			}
		}(id, c.providers[id])
	}
	wg.Wait()
	return results
}

// Providers returns the registered provider IDs in registration order.
func (c *Client) Providers() []string {
	return append([]string(nil), c.order...)
}

// CircuitMetrics returns a snapshot of every provider breaker that has
// seen traffic.
func (c *Client) CircuitMetrics() []CircuitMetrics {
	return c.resilience.Snapshot()
}

// ProviderStats returns the routing statistics of every tracked provider.
func (c *Client) ProviderStats(ctx context.Context) (map[string]ProviderStats, error) {
	return c.router.Snapshot(ctx)
}

// CacheStats returns response cache statistics.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// ForceOpen opens the breaker of a provider. It recovers through the
// normal recovery timeout.
func (c *Client) ForceOpen(providerID string) {
	c.resilience.ForceOpen(providerID)
}

// ForceClose closes the breaker of a provider.
func (c *Client) ForceClose(providerID string) {
	c.resilience.ForceClosed(providerID)
}

// Close stops background work and releases the connections the client owns.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.stop()
		if c.sweeper != nil {
			c.sweeper.Stop()
		}
		if c.router != nil && !c.keepStore.Load() && !c.borrowedStore {
			if err := c.router.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.closeCache(); err != nil {
			errs = append(errs, err)
		}
		if c.tracing != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.tracing.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
	})
	return stderrors.Join(errs...)
}

func (c *Client) closeCache() error {
	if c.cache == nil || !c.ownsCache || c.keepCache.Load() || c.borrowedCache {
		return nil
	}
	return c.cache.Close()
}

func validateChat(req *ChatRequest) error {
	if req == nil {
		return errors.NewInvalidRequestError("request is nil")
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		return errors.NewInvalidRequestError(err.Error())
	}
	if len(req.Messages) == 0 {
		return errors.NewInvalidRequestError("messages is required")
	}
	return nil
}
