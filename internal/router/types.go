// Package router picks a provider for each request from a candidate list,
// filtering out providers whose recorded health is poor.
package router

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoProvider is returned when no healthy candidate can serve a request.
var ErrNoProvider = errors.New("no healthy provider available")

// StrategyKind names a routing strategy.
type StrategyKind string

const (
	// StrategySingle always picks the first candidate.
	StrategySingle StrategyKind = "single"

	// StrategyFallback picks the first healthy candidate. The client supplies
	// the fallback-on-error behavior.
	StrategyFallback StrategyKind = "fallback"

	// StrategyLoadBalance draws a candidate by weight.
	StrategyLoadBalance StrategyKind = "load_balance"

	// StrategyConditional evaluates rules in order.
	StrategyConditional StrategyKind = "conditional"

	// StrategyABTesting splits traffic between the first two candidates.
	StrategyABTesting StrategyKind = "ab_testing"

	// StrategyRoundRobin rotates through the candidates.
	StrategyRoundRobin StrategyKind = "round_robin"

	// StrategyLeastUsed picks the candidate with the fewest recorded requests.
	StrategyLeastUsed StrategyKind = "least_used"

	// StrategyLowestLatency picks the candidate with the lowest average latency.
	StrategyLowestLatency StrategyKind = "lowest_latency"
)

// Strategy is the routing configuration. Only the fields relevant to Kind
// are read.
type Strategy struct {
	Kind StrategyKind `yaml:"kind" json:"kind"`

	// Weights are positional over the healthy candidates (load_balance).
	Weights []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`

	// Rules are evaluated in declaration order (conditional).
	Rules []Rule `yaml:"rules,omitempty" json:"rules,omitempty"`

	// Split is the share of traffic sent to the first candidate (ab_testing).
	Split float64 `yaml:"split,omitempty" json:"split,omitempty"`
}

// Validate checks the strategy for configuration errors.
func (s Strategy) Validate() error {
	switch s.Kind {
	case StrategySingle, StrategyFallback, StrategyRoundRobin,
		StrategyLeastUsed, StrategyLowestLatency:
		return nil
	case StrategyLoadBalance:
		for i, w := range s.Weights {
			if w < 0 {
				return fmt.Errorf("load_balance weight %d is negative: %v", i, w)
			}
		}
		return nil
	case StrategyConditional:
		for i, r := range s.Rules {
			if r.Provider == "" {
				return fmt.Errorf("conditional rule %d has no provider", i)
			}
			if err := r.Condition.Validate(); err != nil {
				return fmt.Errorf("conditional rule %d: %w", i, err)
			}
		}
		return nil
	case StrategyABTesting:
		if s.Split < 0 || s.Split > 1 {
			return fmt.Errorf("ab_testing split must be within [0, 1], got %v", s.Split)
		}
		return nil
	case "":
		return errors.New("routing strategy kind is required")
	default:
		return fmt.Errorf("unknown routing strategy %q", s.Kind)
	}
}

// Rule routes requests matching Condition to Provider.
type Rule struct {
	Condition Condition `yaml:"condition" json:"condition"`
	Provider  string    `yaml:"provider" json:"provider"`
}

// RoutingContext describes the request being routed.
type RoutingContext struct {
	Model           string
	UserRegion      string
	RequestSize     int
	EstimatedTokens int
	UserID          string
	Metadata        map[string]string
	Timestamp       time.Time
}

// ProviderSelection is the result of a routing decision.
type ProviderSelection struct {
	ProviderID string
	Weight     float64
	Reason     string
}

// ProviderStats are the outcome statistics tracked for one provider.
type ProviderStats struct {
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	FailedRequests     uint64    `json:"failed_requests"`
	AverageLatencyMs   float64   `json:"average_latency_ms"`
	LastUsed           time.Time `json:"last_used,omitempty"`
	CurrentLoad        uint32    `json:"current_load"`
}

// Health thresholds applied by SelectProvider.
const (
	MinSuccessRate   = 0.8
	MaxAvgLatencyMs  = 10000.0
	LatencySmoothing = 0.1
)

// SuccessRate returns successful/total, or 1 when nothing was recorded.
func (s ProviderStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// Healthy reports whether the provider may be selected.
func (s ProviderStats) Healthy() bool {
	if s.TotalRequests == 0 {
		return true
	}
	return s.SuccessRate() > MinSuccessRate && s.AverageLatencyMs < MaxAvgLatencyMs
}

// observe folds one completed call into s.
func (s *ProviderStats) observe(success bool, latencyMs float64, at time.Time) {
	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
	} else {
		s.FailedRequests++
	}
	if s.TotalRequests == 1 {
		s.AverageLatencyMs = latencyMs
	} else {
		s.AverageLatencyMs = LatencySmoothing*latencyMs + (1-LatencySmoothing)*s.AverageLatencyMs
	}
	s.LastUsed = at
}
