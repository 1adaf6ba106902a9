package llmrelay

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/observability"
	"github.com/blueberrycongee/llmrelay/internal/resilience"
	"github.com/blueberrycongee/llmrelay/internal/router"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
)

const anonymousUser = "anonymous"

// operation describes one gateway call. invoke is the provider call made
// on every attempt; usage extracts token counts from a response.
//
// hold marks a result that outlives the attempt, such as an open stream. It
// wraps the result so that done runs once the caller is finished with it;
// until then the attempt's context, admission slot and router load stay in
// place. discard closes a result nobody will receive.
type operation[T any] struct {
	name     string
	path     string
	model    string
	user     string
	size     int
	tokens   int
	cacheKey string
	invoke   func(ctx context.Context, p provider.Provider) (T, error)
	usage    func(T) (input, output int)
	hold     func(val T, done func()) T
	discard  func(T)
}

func (op operation[T]) record(providerID string, cacheHit bool) *metrics.Record {
	return &metrics.Record{
		Method:   op.name,
		Path:     op.path,
		Provider: providerID,
		Model:    op.model,
		CacheHit: cacheHit,
	}
}

type outcome[T any] struct {
	value    T
	provider string
	cacheHit bool
}

// run executes op and reports the metrics record.
func run[T any](ctx context.Context, c *Client, op operation[T]) (T, error) {
	start := time.Now()
	res, err := execute(ctx, c, op)

	rec := op.record(res.provider, res.cacheHit)
	if err == nil && !res.cacheHit && op.usage != nil {
		rec.InputTokens, rec.OutputTokens = op.usage(res.value)
		rec.Cost = c.pricing.Calculate(res.provider, op.model, rec.InputTokens, rec.OutputTokens)
	}
	c.finish(rec, start, err)

	return res.value, err
}

func (c *Client) finish(rec *metrics.Record, start time.Time, err error) {
	rec.Latency = time.Since(start)
	rec.StatusCode = http.StatusOK
	if err != nil {
		rec.StatusCode = errors.FromError(err).HTTPStatusCode()
	}
	c.sink.RecordRequest(rec)
}

// execute applies the per-user rate limit, the response cache, routing,
// same-provider retries and fallback. Every error it returns is a
// *errors.GatewayError.
func execute[T any](ctx context.Context, c *Client, op operation[T]) (outcome[T], error) {
	var out outcome[T]

	ctx, _ = observability.EnsureRequestID(ctx)
	logger := observability.LoggerFromContext(ctx, c.logger).With(
		"operation", op.name,
		"model", op.model,
	)

	if err := c.checkRateLimit(ctx, op.user, op.tokens); err != nil {
		logger.Info("request rate limited", "user", userKey(op.user), "error", err)
		return out, errors.FromError(err)
	}

	if op.cacheKey != "" && c.cache.Enabled() {
		var cached T
		if c.cache.GetJSON(ctx, op.cacheKey, &cached) {
			logger.Debug("cache hit", "key", op.cacheKey)
			out.value = cached
			out.cacheHit = true
			return out, nil
		}
	}

	candidates := c.candidates(op.model)
	if len(candidates) == 0 {
		e := errors.NewConfigError("no provider registered for model " + op.model)
		e.Model = op.model
		return out, e
	}

	sel, err := c.router.SelectProvider(ctx, candidates, newRoutingContext(ctx, op))
	if err != nil {
		e := errors.NewConfigError(fmt.Sprintf("no provider available for model %s: %v", op.model, err))
		e.Model = op.model
		e.Err = err
		return out, e
	}
	out.provider = sel.ProviderID
	logger.Debug("provider selected", "provider", sel.ProviderID, "reason", sel.Reason)

	val, err := withRetry(ctx, c, op, sel.ProviderID, logger)
	if err == nil {
		out.value = val
		store(ctx, c, op, val)
		return out, nil
	}

	lastErr := err
	if c.config.FallbackEnabled && ctx.Err() == nil && errors.IsFallbackEligible(err) {
		for _, id := range c.fallbackCandidates(ctx, candidates, sel.ProviderID) {
			logger.Info("falling back to alternate provider",
				"from", sel.ProviderID,
				"to", id,
				"error", lastErr,
			)
			out.provider = id

			val, ferr := attempt(ctx, c, op, id, 0, true)
			if ferr == nil {
				metrics.Fallbacks.WithLabelValues(sel.ProviderID, id, "success").Inc()
				out.value = val
				store(ctx, c, op, val)
				return out, nil
			}
			metrics.Fallbacks.WithLabelValues(sel.ProviderID, id, "failure").Inc()

			lastErr = ferr
			if ctx.Err() != nil || !errors.IsFallbackEligible(ferr) {
				break
			}
		}
	}

	gwErr := errors.FromError(lastErr).WithProvider(out.provider, op.model)
	logger.Warn("request failed", "provider", out.provider, "error", gwErr)
	return out, gwErr
}

// withRetry calls providerID until it succeeds, returns a non-retryable
// error, or exhausts the retry budget. An open circuit ends the loop at once.
func withRetry[T any](ctx context.Context, c *Client, op operation[T], providerID string, logger *slog.Logger) (T, error) {
	var zero T
	var lastErr error

	for n := 0; n <= c.config.Retry.MaxRetries; n++ {
		if n > 0 {
			delay := c.retryBackoff(n)
			metrics.Retries.WithLabelValues(providerID).Inc()
			logger.Debug("retrying provider",
				"provider", providerID,
				"retry", n,
				"delay", delay,
				"error", lastErr,
			)
			if err := sleepContext(ctx, delay); err != nil {
				return zero, err
			}
		}

		val, err := attempt(ctx, c, op, providerID, n, false)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if stderrors.Is(err, resilience.ErrCircuitOpen) || !errors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}

// attempt makes one call to providerID through its admission controls and
// circuit breaker, and records the outcome with the router.
func attempt[T any](ctx context.Context, c *Client, op operation[T], providerID string, n int, fallback bool) (T, error) {
	var zero T
	p := c.providers[providerID]

	ctx, span := observability.StartAttemptSpan(ctx, c.tracer, observability.AttemptAttributes{
		Operation: op.name,
		Provider:  providerID,
		Model:     op.model,
		Attempt:   n,
		Fallback:  fallback,
	})

	release, err := c.resilience.Acquire(ctx, providerID)
	if err != nil {
		if stderrors.Is(err, resilience.ErrThrottled) {
			metrics.ProviderAttempts.WithLabelValues(providerID, "throttled").Inc()
			e := errors.NewRateLimitError("provider " + providerID + " request rate exceeded")
			e.Provider = providerID
			e.Err = err
			err = e
		}
		observability.EndSpan(span, err)
		return zero, err
	}

	c.router.BeginRequest(ctx, providerID)
	held := false
	defer func() {
		if !held {
			release()
			c.router.EndRequest(ctx, providerID)
		}
	}()

	start := time.Now()
	var val T
	if op.hold == nil {
		val, err = resilience.Call(ctx, c.resilience.Breaker(providerID), func(ctx context.Context) (T, error) {
			return op.invoke(ctx, p)
		})
	} else {
		var cancel context.CancelFunc
		val, cancel, err = resilience.CallOpen(ctx, c.resilience.Breaker(providerID), func(ctx context.Context) (T, error) {
			return op.invoke(ctx, p)
		}, op.discard)
		if err == nil {
			held = true
			endCtx := context.WithoutCancel(ctx)
			val = op.hold(val, func() {
				cancel()
				release()
				c.router.EndRequest(endCtx, providerID)
			})
		}
	}
	latency := time.Since(start)

	switch {
	case err == nil:
		metrics.ProviderAttempts.WithLabelValues(providerID, "success").Inc()
		c.router.UpdateStats(ctx, providerID, true, latency)
		if op.usage != nil {
			in, out := op.usage(val)
			observability.RecordUsage(span, in, out)
		}
	case stderrors.Is(err, resilience.ErrCircuitOpen):
		metrics.ProviderAttempts.WithLabelValues(providerID, "rejected").Inc()
		e := errors.NewServiceUnavailableError(providerID, "provider temporarily unavailable")
		e.Err = err
		err = e
	case stderrors.Is(err, resilience.ErrRequestTimeout):
		metrics.ProviderAttempts.WithLabelValues(providerID, "failure").Inc()
		c.router.UpdateStats(ctx, providerID, false, latency)
		e := errors.NewTimeoutError(providerID, "provider request timed out")
		e.Err = err
		err = e
	default:
		metrics.ProviderAttempts.WithLabelValues(providerID, "failure").Inc()
		if ctx.Err() == nil {
			c.router.UpdateStats(ctx, providerID, false, latency)
		}
	}

	observability.EndSpan(span, err)
	return val, err
}

// fallbackCandidates returns the healthy candidates other than tried, in
// candidate order.
func (c *Client) fallbackCandidates(ctx context.Context, candidates []string, tried string) []string {
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id == tried {
			continue
		}
		if stats, ok := c.router.Stats(ctx, id); ok && !stats.Healthy() {
			continue
		}
		out = append(out, id)
	}
	return out
}

// retryBackoff returns the delay before the nth retry:
// initial * factor^(n-1), plus up to jitter * delay, capped at the max.
func (c *Client) retryBackoff(n int) time.Duration {
	r := c.config.Retry
	if n < 1 {
		n = 1
	}
	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(n-1))

	if r.JitterFactor > 0 {
		c.backoffMu.Lock()
		f := c.backoffRand.Float64()
		c.backoffMu.Unlock()
		delay += delay * r.JitterFactor * f
	}

	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) checkRateLimit(ctx context.Context, user string, tokens int) error {
	if c.limiter == nil {
		return nil
	}
	user = userKey(user)

	if c.config.SlidingWindow {
		return c.limiter.CheckSlidingWindow(user, tokens)
	}
	if err := c.limiter.CheckRequest(ctx, user); err != nil {
		return err
	}
	if tokens > 0 {
		return c.limiter.CheckTokens(ctx, user, tokens)
	}
	return nil
}

// store caches a successful response when op is cacheable.
func store[T any](ctx context.Context, c *Client, op operation[T], val T) {
	if op.cacheKey == "" || !c.cache.Enabled() {
		return
	}
	c.cache.SetJSON(ctx, op.cacheKey, val, 0)
}

func userKey(user string) string {
	if user == "" {
		return anonymousUser
	}
	return user
}

// newRoutingContext builds the routing input from the request and any
// routing hints attached to ctx.
func newRoutingContext[T any](ctx context.Context, op operation[T]) *router.RoutingContext {
	hints := routingHintsFromContext(ctx)
	return &router.RoutingContext{
		Model:           op.model,
		UserRegion:      hints.region,
		RequestSize:     op.size,
		EstimatedTokens: op.tokens,
		UserID:          op.user,
		Metadata:        hints.metadata,
		Timestamp:       time.Now(),
	}
}
