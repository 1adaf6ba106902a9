package router

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
)

// Config configures a Router.
type Config struct {
	Strategy Strategy

	// Store holds provider stats. Defaults to an in-memory store.
	Store StatsStore

	// Seed fixes the random source used by weighted and A/B selection.
	// Zero seeds from the clock.
	Seed int64

	Logger *slog.Logger
}

// Router selects providers and tracks their outcome statistics.
type Router struct {
	strategy Strategy
	store    StatsStore
	logger   *slog.Logger
	now      func() time.Time

	rngMu  sync.Mutex // math/rand.Rand is not safe for concurrent use
	rng    *rand.Rand
	cursor atomic.Uint64
}

// New validates cfg and returns a Router.
func New(cfg Config) (*Router, error) {
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStatsStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Router{
		strategy: cfg.Strategy,
		store:    cfg.Store,
		logger:   cfg.Logger,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Store returns the stats store backing the router.
func (r *Router) Store() StatsStore { return r.store }

// Strategy returns the configured strategy.
func (r *Router) Strategy() Strategy { return r.strategy }

func (r *Router) randFloat64() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

// SelectProvider applies the strategy to the healthy subset of candidates.
// It returns ErrNoProvider when candidates is empty or none is healthy.
func (r *Router) SelectProvider(ctx context.Context, candidates []string, rc *RoutingContext) (*ProviderSelection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}
	if rc == nil {
		rc = &RoutingContext{}
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = r.now()
	}

	healthy, stats := r.healthy(ctx, candidates)
	if len(healthy) == 0 {
		return nil, ErrNoProvider
	}

	sel := r.pick(healthy, stats, rc)
	metrics.RoutingDecisions.WithLabelValues(string(r.strategy.Kind), sel.ProviderID).Inc()
	r.logger.Debug("provider selected",
		"provider", sel.ProviderID,
		"strategy", r.strategy.Kind,
		"reason", sel.Reason,
		"model", rc.Model,
	)
	return sel, nil
}

// healthy filters candidates and returns the stats it looked up. Providers
// whose stats cannot be read are treated as untracked.
func (r *Router) healthy(ctx context.Context, candidates []string) ([]string, map[string]ProviderStats) {
	out := make([]string, 0, len(candidates))
	stats := make(map[string]ProviderStats, len(candidates))
	for _, id := range candidates {
		s, ok, err := r.store.Get(ctx, id)
		if err != nil {
			metrics.RoutingStatsErrors.WithLabelValues("get").Inc()
			r.logger.Warn("provider stats unavailable", "provider", id, "error", err)
			out = append(out, id)
			continue
		}
		if !ok {
			out = append(out, id)
			continue
		}
		stats[id] = s
		if !s.Healthy() {
			metrics.RoutingUnhealthy.WithLabelValues(id).Inc()
			continue
		}
		out = append(out, id)
	}
	return out, stats
}

// UpdateStats records the outcome of one completed attempt.
func (r *Router) UpdateStats(ctx context.Context, id string, success bool, latency time.Duration) {
	latencyMs := float64(latency) / float64(time.Millisecond)
	if err := r.store.Record(ctx, id, success, latencyMs, r.now()); err != nil {
		metrics.RoutingStatsErrors.WithLabelValues("record").Inc()
		r.logger.Warn("failed to record provider stats", "provider", id, "error", err)
	}
}

// BeginRequest marks a request in flight on id.
func (r *Router) BeginRequest(ctx context.Context, id string) {
	r.addLoad(ctx, id, 1)
}

// EndRequest marks a request on id as finished.
func (r *Router) EndRequest(ctx context.Context, id string) {
	r.addLoad(ctx, id, -1)
}

func (r *Router) addLoad(ctx context.Context, id string, delta int) {
	if err := r.store.AddLoad(ctx, id, delta); err != nil {
		metrics.RoutingStatsErrors.WithLabelValues("load").Inc()
		r.logger.Warn("failed to update provider load", "provider", id, "error", err)
	}
}

// Stats returns the recorded stats for id.
func (r *Router) Stats(ctx context.Context, id string) (ProviderStats, bool) {
	s, ok, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Warn("provider stats unavailable", "provider", id, "error", err)
		return ProviderStats{}, false
	}
	return s, ok
}

// Snapshot returns the stats of every tracked provider.
func (r *Router) Snapshot(ctx context.Context) (map[string]ProviderStats, error) {
	return r.store.Snapshot(ctx)
}

// Close releases the stats store.
func (r *Router) Close() error {
	return r.store.Close()
}
