package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned when a provider's outbound request rate is exhausted.
var ErrThrottled = errors.New("provider request rate exceeded")

// ProviderLimits bounds outbound traffic to one provider. Zero values disable
// the corresponding control.
type ProviderLimits struct {
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// ManagerConfig contains configuration for the resilience manager.
type ManagerConfig struct {
	CircuitBreaker CircuitBreakerConfig
	// OnStateChange is attached to every breaker the manager creates.
	OnStateChange func(name string, from, to CircuitState)
	Logger        *slog.Logger
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Logger:         slog.Default(),
	}
}

// Manager owns the per-provider circuit breakers, outbound throttles and
// concurrency semaphores. Entries are created lazily and live for the
// lifetime of the manager.
type Manager struct {
	mu         sync.RWMutex
	breakers   map[string]*CircuitBreaker
	throttles  map[string]*rate.Limiter
	semaphores map[string]*Semaphore
	limits     map[string]ProviderLimits
	cbConfig   CircuitBreakerConfig
	onChange   func(name string, from, to CircuitState)
	logger     *slog.Logger
}

// NewManager creates a new resilience manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		breakers:   make(map[string]*CircuitBreaker),
		throttles:  make(map[string]*rate.Limiter),
		semaphores: make(map[string]*Semaphore),
		limits:     make(map[string]ProviderLimits),
		cbConfig:   cfg.CircuitBreaker,
		onChange:   cfg.OnStateChange,
		logger:     logger,
	}
}

// Breaker returns or creates the circuit breaker for a provider.
func (m *Manager) Breaker(provider string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok = m.breakers[provider]; ok {
		return cb
	}

	cb = NewCircuitBreaker(provider, m.cbConfig)
	cb.OnStateChange(m.stateChanged)
	m.breakers[provider] = cb
	return cb
}

func (m *Manager) stateChanged(name string, from, to CircuitState) {
	if to == StateOpen {
		m.logger.Warn("circuit breaker opened", "provider", name, "from", from.String())
	} else {
		m.logger.Info("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
	}
	if m.onChange != nil {
		m.onChange(name, from, to)
	}
}

// SetBreakerConfig applies cfg to every existing breaker and to breakers
// created later. Breaker state is kept.
func (m *Manager) SetBreakerConfig(cfg CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbConfig = cfg
	for _, cb := range m.breakers {
		cb.SetConfig(cfg)
	}
}

// SetLimits installs the outbound throttle and concurrency bound for a
// provider. Setting the limits already in force keeps the existing throttle
// and semaphore, along with their in-flight accounting.
func (m *Manager) SetLimits(provider string, limits ProviderLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.limits[provider]; ok && cur == limits {
		return
	}
	if limits == (ProviderLimits{}) {
		delete(m.limits, provider)
	} else {
		m.limits[provider] = limits
	}

	if limits.RPS > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = max(1, int(limits.RPS))
		}
		m.throttles[provider] = rate.NewLimiter(rate.Limit(limits.RPS), burst)
	} else {
		delete(m.throttles, provider)
	}

	if limits.MaxConcurrent > 0 {
		m.semaphores[provider] = NewSemaphore(limits.MaxConcurrent)
	} else {
		delete(m.semaphores, provider)
	}
}

// Limits returns the limits in force for every provider that has any.
func (m *Manager) Limits() map[string]ProviderLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ProviderLimits, len(m.limits))
	for id, l := range m.limits {
		out[id] = l
	}
	return out
}

// Acquire admits one outbound call to provider. The returned release func
// must be called when the call finishes.
func (m *Manager) Acquire(ctx context.Context, provider string) (func(), error) {
	m.mu.RLock()
	throttle := m.throttles[provider]
	sem := m.semaphores[provider]
	m.mu.RUnlock()

	if throttle != nil && !throttle.Allow() {
		return nil, ErrThrottled
	}
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(sem.Release) }, nil
}

// ForceOpen opens the breaker for provider.
func (m *Manager) ForceOpen(provider string) {
	m.Breaker(provider).ForceOpen()
}

// ForceClosed closes the breaker for provider.
func (m *Manager) ForceClosed(provider string) {
	m.Breaker(provider).ForceClosed()
}

// Snapshot returns breaker metrics for every known provider, sorted by name.
func (m *Manager) Snapshot() []CircuitMetrics {
	m.mu.RLock()
	out := make([]CircuitMetrics, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Metrics())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns current statistics for a provider.
func (m *Manager) Stats(provider string) ResilienceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ResilienceStats{Provider: provider}

	if cb, ok := m.breakers[provider]; ok {
		stats.CircuitState = cb.State().String()
	}

	if l, ok := m.throttles[provider]; ok {
		stats.ThrottleTokens = l.Tokens()
	}

	if s, ok := m.semaphores[provider]; ok {
		stats.ConcurrentCurrent = s.Current()
		stats.ConcurrentCapacity = s.Capacity()
	}

	return stats
}

// ResilienceStats contains current resilience statistics.
type ResilienceStats struct {
	Provider           string
	CircuitState       string
	ThrottleTokens     float64
	ConcurrentCurrent  int
	ConcurrentCapacity int
}
