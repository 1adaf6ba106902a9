package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

const (
	minuteSeconds = 60
	hourSeconds   = 3600
)

// RateLimits are per-user ceilings. A zero or negative value disables that ceiling.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
}

// DefaultRateLimits returns sensible defaults.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		TokensPerMinute:   100000,
	}
}

// SlidingWindow is one bucket of the sliding-window refinement.
type SlidingWindow struct {
	Start        int64 // unix seconds
	RequestCount int
	TokenCount   int
}

// RateLimitState is the local counter set for one user.
type RateLimitState struct {
	CurrentMinuteRequests int
	CurrentHourRequests   int
	CurrentMinuteTokens   int
	MinuteWindow          int64
	HourWindow            int64
	SlidingWindows        []SlidingWindow
	LastUpdated           time.Time
}

// CounterStore is the atomic counter backend of the distributed path.
// internal/cache.Manager implements it.
type CounterStore interface {
	HasBackend() bool
	IncrWithExpiry(ctx context.Context, key string, ttlSeconds int64) (int64, error)
	IncrByWithExpiry(ctx context.Context, key string, amount, ttlSeconds int64) (int64, error)
}

// RateLimiterConfig contains configuration for the user rate limiter.
type RateLimiterConfig struct {
	Limits RateLimits
	// Store enables the distributed path when it reports a backend.
	Store CounterStore
	// FailOpen admits requests when the distributed backend errors.
	FailOpen bool
	Logger   *slog.Logger
}

// RateLimiter enforces per-user request and token ceilings in fixed minute
// and hour windows. With a CounterStore backend the counters are shared
// across processes; otherwise they live in a local table that the Sweeper
// keeps bounded.
type RateLimiter struct {
	mu        sync.RWMutex
	states    map[string]*RateLimitState
	overrides map[string]RateLimits
	limits    RateLimits
	store     CounterStore
	failOpen  bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewRateLimiter creates a user rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		states:    make(map[string]*RateLimitState),
		overrides: make(map[string]RateLimits),
		limits:    cfg.Limits,
		store:     cfg.Store,
		failOpen:  cfg.FailOpen,
		logger:    logger,
		now:       time.Now,
	}
}

// SetLimits overrides the ceilings for one user.
func (rl *RateLimiter) SetLimits(userID string, limits RateLimits) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.overrides[userID] = limits
}

// Reconfigure replaces the default ceilings, the per-user overrides and the
// fail-open policy. Counters already recorded are kept.
func (rl *RateLimiter) Reconfigure(limits RateLimits, overrides map[string]RateLimits, failOpen bool) {
	next := make(map[string]RateLimits, len(overrides))
	for user, l := range overrides {
		next[user] = l
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limits = limits
	rl.overrides = next
	rl.failOpen = failOpen
}

// LimitsFor returns the ceilings in force for userID.
func (rl *RateLimiter) LimitsFor(userID string) RateLimits {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limitsLocked(userID)
}

func (rl *RateLimiter) limitsLocked(userID string) RateLimits {
	if l, ok := rl.overrides[userID]; ok {
		return l
	}
	return rl.limits
}

func (rl *RateLimiter) distributed() bool {
	return rl.store != nil && rl.store.HasBackend()
}

// CheckRequest admits one request for userID against the per-minute and
// per-hour request ceilings.
func (rl *RateLimiter) CheckRequest(ctx context.Context, userID string) error {
	limits := rl.LimitsFor(userID)
	if rl.distributed() {
		return rl.checkRequestDistributed(ctx, userID, limits)
	}
	return rl.checkRequestLocal(userID, limits)
}

// CheckTokens adds tokens to userID's per-minute token budget.
func (rl *RateLimiter) CheckTokens(ctx context.Context, userID string, tokens int) error {
	limits := rl.LimitsFor(userID)
	if rl.distributed() {
		return rl.checkTokensDistributed(ctx, userID, tokens, limits)
	}
	return rl.checkTokensLocal(userID, tokens, limits)
}

// The distributed counters are incremented before comparison and are not
// rolled back on rejection, so a rejected request still consumes its slot.
func (rl *RateLimiter) checkRequestDistributed(ctx context.Context, userID string, limits RateLimits) error {
	now := rl.now().Unix()

	if limits.RequestsPerMinute > 0 {
		key := fmt.Sprintf("rl:req:m:%s:%d", userID, now/minuteSeconds)
		count, err := rl.store.IncrWithExpiry(ctx, key, minuteSeconds)
		if err != nil {
			return rl.backendError(err)
		}
		if count > int64(limits.RequestsPerMinute) {
			return rl.reject("requests_per_minute", "distributed",
				fmt.Sprintf("%d requests per minute", limits.RequestsPerMinute))
		}
	}

	if limits.RequestsPerHour > 0 {
		key := fmt.Sprintf("rl:req:h:%s:%d", userID, now/hourSeconds)
		count, err := rl.store.IncrWithExpiry(ctx, key, hourSeconds)
		if err != nil {
			return rl.backendError(err)
		}
		if count > int64(limits.RequestsPerHour) {
			return rl.reject("requests_per_hour", "distributed",
				fmt.Sprintf("%d requests per hour", limits.RequestsPerHour))
		}
	}

	return nil
}

func (rl *RateLimiter) checkTokensDistributed(ctx context.Context, userID string, tokens int, limits RateLimits) error {
	if limits.TokensPerMinute <= 0 || tokens <= 0 {
		return nil
	}
	now := rl.now().Unix()
	key := fmt.Sprintf("rl:tok:m:%s:%d", userID, now/minuteSeconds)
	count, err := rl.store.IncrByWithExpiry(ctx, key, int64(tokens), minuteSeconds)
	if err != nil {
		return rl.backendError(err)
	}
	if count > int64(limits.TokensPerMinute) {
		return rl.reject("tokens_per_minute", "distributed",
			fmt.Sprintf("%d tokens per minute", limits.TokensPerMinute))
	}
	return nil
}

func (rl *RateLimiter) backendError(err error) error {
	rl.mu.RLock()
	failOpen := rl.failOpen
	rl.mu.RUnlock()

	action := "deny"
	if failOpen {
		action = "allow"
	}
	metrics.RateLimiterBackendErrors.WithLabelValues(action).Inc()
	rl.logger.Warn("distributed rate limiter check failed",
		"error", err,
		"fail_open", failOpen,
		"action", action,
	)
	if failOpen {
		return nil
	}
	e := errors.NewRateLimitError(fmt.Sprintf("Rate limiter backend unavailable: %v", err))
	e.Err = err
	return e
}

func (rl *RateLimiter) reject(limit, path, ceiling string) error {
	metrics.RateLimitRejections.WithLabelValues(limit, path).Inc()
	return errors.NewRateLimitError("Rate limit exceeded: " + ceiling)
}

// stateLocked returns userID's state with its fixed windows rolled forward
// to now. Must be called with mu held for writing.
func (rl *RateLimiter) stateLocked(userID string, now time.Time) *RateLimitState {
	st, ok := rl.states[userID]
	if !ok {
		st = &RateLimitState{}
		rl.states[userID] = st
	}

	minute := now.Unix() / minuteSeconds
	hour := now.Unix() / hourSeconds
	if st.MinuteWindow != minute {
		st.MinuteWindow = minute
		st.CurrentMinuteRequests = 0
		st.CurrentMinuteTokens = 0
	}
	if st.HourWindow != hour {
		st.HourWindow = hour
		st.CurrentHourRequests = 0
	}
	return st
}

func (rl *RateLimiter) checkRequestLocal(userID string, limits RateLimits) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.stateLocked(userID, now)
	st.LastUpdated = now

	if limits.RequestsPerMinute > 0 && st.CurrentMinuteRequests >= limits.RequestsPerMinute {
		return rl.reject("requests_per_minute", "local",
			fmt.Sprintf("%d requests per minute", limits.RequestsPerMinute))
	}
	if limits.RequestsPerHour > 0 && st.CurrentHourRequests >= limits.RequestsPerHour {
		return rl.reject("requests_per_hour", "local",
			fmt.Sprintf("%d requests per hour", limits.RequestsPerHour))
	}

	st.CurrentMinuteRequests++
	st.CurrentHourRequests++
	return nil
}

func (rl *RateLimiter) checkTokensLocal(userID string, tokens int, limits RateLimits) error {
	if limits.TokensPerMinute <= 0 || tokens <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.stateLocked(userID, now)
	st.LastUpdated = now

	if st.CurrentMinuteTokens+tokens > limits.TokensPerMinute {
		return rl.reject("tokens_per_minute", "local",
			fmt.Sprintf("%d tokens per minute", limits.TokensPerMinute))
	}
	st.CurrentMinuteTokens += tokens
	return nil
}

// CheckSlidingWindow is a stricter local check. It keeps minute buckets for
// the last hour, opens a new bucket once the newest is more than a minute
// old, and enforces the minute ceilings on the newest bucket and the hour
// ceiling on the sum of all retained buckets.
func (rl *RateLimiter) CheckSlidingWindow(userID string, tokens int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limits := rl.limitsLocked(userID)
	now := rl.now()
	ts := now.Unix()
	st := rl.stateLocked(userID, now)
	st.LastUpdated = now

	kept := st.SlidingWindows[:0]
	for _, w := range st.SlidingWindows {
		if ts-w.Start < hourSeconds {
			kept = append(kept, w)
		}
	}
	st.SlidingWindows = kept

	if n := len(st.SlidingWindows); n == 0 || ts-st.SlidingWindows[n-1].Start > minuteSeconds {
		st.SlidingWindows = append(st.SlidingWindows, SlidingWindow{Start: ts})
	}
	current := &st.SlidingWindows[len(st.SlidingWindows)-1]

	hourRequests := 0
	for _, w := range st.SlidingWindows {
		hourRequests += w.RequestCount
	}

	if limits.RequestsPerMinute > 0 && current.RequestCount >= limits.RequestsPerMinute {
		return rl.reject("requests_per_minute", "sliding",
			fmt.Sprintf("%d requests per minute", limits.RequestsPerMinute))
	}
	if limits.RequestsPerHour > 0 && hourRequests >= limits.RequestsPerHour {
		return rl.reject("requests_per_hour", "sliding",
			fmt.Sprintf("%d requests per hour", limits.RequestsPerHour))
	}
	if limits.TokensPerMinute > 0 && current.TokenCount+tokens > limits.TokensPerMinute {
		return rl.reject("tokens_per_minute", "sliding",
			fmt.Sprintf("%d tokens per minute", limits.TokensPerMinute))
	}

	current.RequestCount++
	current.TokenCount += tokens
	return nil
}

// State returns a copy of the local state for userID.
func (rl *RateLimiter) State(userID string) (RateLimitState, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	st, ok := rl.states[userID]
	if !ok {
		return RateLimitState{}, false
	}
	cp := *st
	cp.SlidingWindows = append([]SlidingWindow(nil), st.SlidingWindows...)
	return cp, true
}

// Len returns the number of users in the local table.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.states)
}

// Sweep drops local entries idle for longer than retention. If more than
// maxEntries remain, only the maxEntries most recently updated are kept.
// It returns the number of entries removed.
func (rl *RateLimiter) Sweep(retention time.Duration, maxEntries int) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-retention)
	removed := 0
	for id, st := range rl.states {
		if st.LastUpdated.Before(cutoff) {
			delete(rl.states, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.RateLimiterEvictions.WithLabelValues("stale").Add(float64(removed))
	}

	if maxEntries > 0 && len(rl.states) > maxEntries {
		type entry struct {
			id      string
			updated time.Time
		}
		entries := make([]entry, 0, len(rl.states))
		for id, st := range rl.states {
			entries = append(entries, entry{id: id, updated: st.LastUpdated})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].updated.After(entries[j].updated)
		})

		evicted := 0
		for _, e := range entries[maxEntries:] {
			delete(rl.states, e.id)
			evicted++
		}
		removed += evicted
		metrics.RateLimiterEvictions.WithLabelValues("capacity").Add(float64(evicted))
		rl.logger.Warn("rate limiter table over capacity, evicted least recently used entries",
			"evicted", evicted,
			"remaining", len(rl.states),
		)
	}

	return removed
}
