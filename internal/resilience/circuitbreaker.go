// Package resilience provides the failure-isolation primitives of the gateway:
// per-provider circuit breakers, outbound admission control, and the per-user
// rate limiter with its background sweeper.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRequestTimeout is returned when the wrapped call overran RequestTimeout.
	ErrRequestTimeout = errors.New("circuit breaker request timeout")
)

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// RequestTimeout bounds each wrapped call. Zero disables the deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// HalfOpenMaxCalls is the number of trial calls admitted while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		RequestTimeout:   30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitMetrics is a read-only snapshot of a breaker.
type CircuitMetrics struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"-"`
	StateName       string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time    `json:"last_success_time,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern for one provider.
type CircuitBreaker struct {
	mu              sync.RWMutex
	name            string
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	config          CircuitBreakerConfig
	onStateChange   func(name string, from, to CircuitState)
	now             func() time.Time

	// Transitions made under mu, delivered by unlock in sequence order.
	pending   []stateTransition
	seq       uint64
	hookMu    sync.Mutex
	delivered uint64
}

type stateTransition struct {
	seq      uint64
	from, to CircuitState
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// OnStateChange sets a callback for state transitions. The callback runs on
// the goroutine that caused the transition, after the breaker lock is
// released. Callbacks never observe transitions out of order; a transition
// superseded by a concurrent newer one may be skipped. fn may read the
// breaker but must not change its state.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a call may proceed, performing the Open to HalfOpen
// transition when the recovery timeout has elapsed. An admitted half-open
// call occupies one trial slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenCalls = 1
			return true
		}
		return false

	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.unlock()

	cb.lastSuccessTime = cb.now()
	cb.successCount++

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.unlock()

	cb.failureCount++
	cb.successCount = 0

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// release returns a half-open trial slot for a call that ended without an
// outcome (the caller went away).
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the breaker configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.config
}

// SetConfig replaces the thresholds and timeouts. The current state and
// counters are kept.
func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = cfg
}

// Metrics returns a snapshot of the breaker.
func (cb *CircuitBreaker) Metrics() CircuitMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitMetrics{
		Name:            cb.name,
		State:           cb.state,
		StateName:       cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastSuccessTime: cb.lastSuccessTime,
	}
}

// ForceOpen opens the circuit immediately. It recovers through the normal
// half-open probe once RecoveryTimeout has elapsed.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.unlock()

	cb.transitionTo(StateOpen)
	cb.lastFailureTime = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
}

// ForceClosed resets the circuit breaker to closed state.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		cb.lastFailureTime = cb.now()
		cb.successCount = 0
	case StateClosed:
		cb.failureCount = 0
		cb.halfOpenCalls = 0
	case StateHalfOpen:
		cb.halfOpenCalls = 0
	}

	cb.seq++
	cb.pending = append(cb.pending, stateTransition{seq: cb.seq, from: oldState, to: newState})
}

// unlock releases mu and then delivers queued transitions to the hook.
func (cb *CircuitBreaker) unlock() {
	pending := cb.pending
	cb.pending = nil
	hook := cb.onStateChange
	cb.mu.Unlock()

	if len(pending) == 0 || hook == nil {
		return
	}

	cb.hookMu.Lock()
	defer cb.hookMu.Unlock()
	for _, t := range pending {
		if t.seq <= cb.delivered {
			continue
		}
		cb.delivered = t.seq
		hook(cb.name, t.from, t.to)
	}
}

// Execute runs fn through the breaker. See Call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs op through cb.
//
// A rejected call returns ErrCircuitOpen without invoking op. An admitted call
// runs under RequestTimeout; overrunning it returns ErrRequestTimeout and
// counts as a failure, as does any error from op. The breaker stops waiting on
// timeout but does not stop op, which must honor its context. If the caller's
// own context ends first the outcome is not recorded.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.Allow() {
		return zero, ErrCircuitOpen
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := cb.Config().RequestTimeout; timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{val: v, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-callCtx.Done():
		r.err = callCtx.Err()
	}

	switch {
	case r.err == nil:
		cb.RecordSuccess()
		return r.val, nil
	case ctx.Err() != nil:
		cb.release()
		return zero, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		cb.RecordFailure()
		return zero, ErrRequestTimeout
	default:
		cb.RecordFailure()
		return zero, r.err
	}
}

// CallOpen runs op through cb like Call, for operations whose result stays
// bound to the context op received, such as a response stream. RequestTimeout
// bounds only op itself: the context is not canceled when op returns.
//
// On success the returned CancelFunc ends that context; the caller must call
// it once done with the result. On failure the context is already canceled.
// A result that arrives after the breaker gave up on op is passed to discard.
func CallOpen[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error), discard func(T)) (T, context.CancelFunc, error) {
	var zero T
	if !cb.Allow() {
		return zero, nil, ErrCircuitOpen
	}

	callCtx, cancel := context.WithCancel(ctx)

	var expired <-chan time.Time
	if timeout := cb.Config().RequestTimeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		done <- result{val: v, err: err}
	}()

	var r result
	received, timedOut := false, false
	select {
	case r = <-done:
		received = true
	case <-expired:
		timedOut = true
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	if !received {
		go func() {
			if late := <-done; late.err == nil && discard != nil {
				discard(late.val)
			}
		}()
	}
	if !received || r.err != nil {
		cancel()
	}

	switch {
	case timedOut:
		cb.RecordFailure()
		return zero, nil, ErrRequestTimeout
	case r.err == nil:
		cb.RecordSuccess()
		return r.val, cancel, nil
	case ctx.Err() != nil:
		cb.release()
		return zero, nil, ctx.Err()
	default:
		cb.RecordFailure()
		return zero, nil, r.err
	}
}
