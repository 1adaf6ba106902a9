// Package healthcheck provides proactive provider probing.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// Config controls the proactive health checker behavior.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// OpenOnFailure opens the breaker of a provider whose probe fails, so
	// traffic skips it before real requests fail. A breaker opened this way
	// is closed again by the first successful probe.
	OpenOnFailure bool `yaml:"open_on_failure"`
}

// DefaultConfig returns the prober defaults. Probing is disabled.
func DefaultConfig() Config {
	return Config{
		Interval: defaultProbeInterval,
		Timeout:  defaultProbeTimeout,
	}
}

// Target is the set of providers being probed.
type Target interface {
	// HealthCheck returns the failing providers mapped to their errors.
	HealthCheck(ctx context.Context) map[string]error
	Providers() []string
	ForceOpen(provider string)
	ForceClose(provider string)
}

// Prober periodically checks provider health.
type Prober struct {
	cfg     Config
	target  Target
	logger  *slog.Logger
	started atomic.Bool

	mu     sync.Mutex
	opened map[string]struct{} // breakers opened by a failed probe
}

// NewProber creates a new health checker.
func NewProber(cfg Config, target Target, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		cfg:    cfg,
		target: target,
		logger: logger.With("component", "healthcheck"),
		opened: make(map[string]struct{}),
	}
}

// Start begins the probe loop until the context is canceled. It is a no-op
// when probing is disabled or already started.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if p.target == nil {
		p.logger.Warn("healthcheck prober has no target")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

// RunOnce probes every provider once and returns the failures.
func (p *Prober) RunOnce(ctx context.Context) map[string]error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	failed := p.target.HealthCheck(probeCtx)
	if ctx.Err() != nil {
		return failed
	}

	for _, id := range p.target.Providers() {
		if err, ok := failed[id]; ok {
			p.handleFailure(id, err)
			continue
		}
		p.handleSuccess(id)
	}
	return failed
}

func (p *Prober) handleFailure(id string, err error) {
	metrics.ProviderHealthy.WithLabelValues(id).Set(0)

	if !p.cfg.OpenOnFailure {
		p.logger.Warn("healthcheck probe failed", "provider", id, "error", err)
		return
	}

	p.target.ForceOpen(id)
	p.mu.Lock()
	p.opened[id] = struct{}{}
	p.mu.Unlock()

	p.logger.Warn("healthcheck probe failed, circuit opened",
		"provider", id,
		"error", err,
	)
}

func (p *Prober) handleSuccess(id string) {
	metrics.ProviderHealthy.WithLabelValues(id).Set(1)

	p.mu.Lock()
	_, ours := p.opened[id]
	delete(p.opened, id)
	p.mu.Unlock()

	// Breakers opened by real traffic recover through their own half-open
	// probe.
	if ours {
		p.target.ForceClose(id)
		p.logger.Info("healthcheck probe recovered, circuit closed", "provider", id)
	}
}
