package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig controls the background cleanup of the local rate-limit table.
type SweeperConfig struct {
	// Interval between sweeps. Ignored when Schedule is set.
	Interval time.Duration `yaml:"interval"`
	// Schedule is an optional cron expression, e.g. "*/15 * * * *".
	Schedule string `yaml:"schedule"`
	// Retention is how long an idle user entry is kept.
	Retention time.Duration `yaml:"retention"`
	// MaxEntries is the hard cap applied after the retention pass.
	MaxEntries int `yaml:"max_entries"`
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   30 * time.Minute,
		Retention:  2 * time.Hour,
		MaxEntries: 5000,
	}
}

func (c SweeperConfig) spec() string {
	if c.Schedule != "" {
		return c.Schedule
	}
	return "@every " + c.Interval.String()
}

// Sweeper runs RateLimiter.Sweep on a cron schedule.
type Sweeper struct {
	limiter *RateLimiter
	config  SweeperConfig
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewSweeper creates a sweeper for limiter.
func NewSweeper(limiter *RateLimiter, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		limiter: limiter,
		config:  cfg,
		cron:    cron.New(),
		logger:  logger.With("component", "ratelimit.sweeper"),
	}
}

// Start schedules the sweep. It stops when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	spec := s.config.spec()
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("rate limiter sweeper started",
		"schedule", spec,
		"retention", s.config.Retention,
		"max_entries", s.config.MaxEntries,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunOnce performs a single sweep and returns the number of entries removed.
func (s *Sweeper) RunOnce() int {
	removed := s.limiter.Sweep(s.config.Retention, s.config.MaxEntries)
	if removed > 0 {
		s.logger.Info("rate limiter sweep completed",
			"removed", removed,
			"remaining", s.limiter.Len(),
		)
	} else {
		s.logger.Debug("rate limiter sweep completed, nothing removed")
	}
	return removed
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("rate limiter sweeper stopped")
	}
}

// IsRunning returns true if the sweeper is scheduled.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not running.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
