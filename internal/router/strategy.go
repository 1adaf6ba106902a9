package router

import (
	"fmt"
)

func (r *Router) pick(healthy []string, stats map[string]ProviderStats, rc *RoutingContext) *ProviderSelection {
	switch r.strategy.Kind {
	case StrategySingle:
		return &ProviderSelection{ProviderID: healthy[0], Weight: 1, Reason: "single: first candidate"}
	case StrategyFallback:
		return &ProviderSelection{ProviderID: healthy[0], Weight: 1, Reason: "fallback: first healthy candidate"}
	case StrategyLoadBalance:
		return r.pickWeighted(healthy)
	case StrategyConditional:
		return r.pickConditional(healthy, rc)
	case StrategyABTesting:
		return r.pickABTest(healthy)
	case StrategyRoundRobin:
		return r.pickRoundRobin(healthy)
	case StrategyLeastUsed:
		return pickLeastUsed(healthy, stats)
	case StrategyLowestLatency:
		return pickLowestLatency(healthy, stats)
	default:
		return &ProviderSelection{ProviderID: healthy[0], Weight: 1, Reason: "default: first healthy candidate"}
	}
}

// normalizeWeights returns n weights summing to 1. Missing entries take the
// mean of the supplied ones; a zero total falls back to equal weights.
func normalizeWeights(weights []float64, n int) []float64 {
	out := make([]float64, n)
	var supplied, count float64
	for i := 0; i < n && i < len(weights); i++ {
		if weights[i] > 0 {
			out[i] = weights[i]
		}
		supplied += out[i]
		count++
	}
	pad := 1.0
	if count > 0 && supplied > 0 {
		pad = supplied / count
	}
	for i := len(weights); i < n; i++ {
		out[i] = pad
	}

	var total float64
	for _, w := range out {
		total += w
	}
	if total <= 0 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

func (r *Router) pickWeighted(healthy []string) *ProviderSelection {
	weights := normalizeWeights(r.strategy.Weights, len(healthy))
	randVal := r.randFloat64()

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if randVal < cumulative {
			return &ProviderSelection{
				ProviderID: healthy[i],
				Weight:     w,
				Reason:     fmt.Sprintf("load_balance: weight %.2f", w),
			}
		}
	}
	// Float rounding can leave cumulative a hair below 1.
	last := len(healthy) - 1
	return &ProviderSelection{
		ProviderID: healthy[last],
		Weight:     weights[last],
		Reason:     fmt.Sprintf("load_balance: weight %.2f", weights[last]),
	}
}

func (r *Router) pickConditional(healthy []string, rc *RoutingContext) *ProviderSelection {
	for _, rule := range r.strategy.Rules {
		if !rule.Condition.Matches(rc) || !contains(healthy, rule.Provider) {
			continue
		}
		return &ProviderSelection{
			ProviderID: rule.Provider,
			Weight:     1,
			Reason:     "conditional: matched " + rule.Condition.String(),
		}
	}
	return &ProviderSelection{
		ProviderID: healthy[0],
		Weight:     1,
		Reason:     "conditional: no rule matched, first healthy candidate",
	}
}

func (r *Router) pickABTest(healthy []string) *ProviderSelection {
	if len(healthy) < 2 {
		return r.pickRoundRobin(healthy)
	}
	split := r.strategy.Split
	if r.randFloat64() < split {
		return &ProviderSelection{
			ProviderID: healthy[0],
			Weight:     split,
			Reason:     fmt.Sprintf("ab_testing: variant A (split %.2f)", split),
		}
	}
	return &ProviderSelection{
		ProviderID: healthy[1],
		Weight:     1 - split,
		Reason:     fmt.Sprintf("ab_testing: variant B (split %.2f)", split),
	}
}

func (r *Router) pickRoundRobin(healthy []string) *ProviderSelection {
	n := r.cursor.Add(1) - 1
	idx := int(n % uint64(len(healthy)))
	return &ProviderSelection{
		ProviderID: healthy[idx],
		Weight:     1 / float64(len(healthy)),
		Reason:     fmt.Sprintf("round_robin: index %d of %d", idx, len(healthy)),
	}
}

// pickLeastUsed prefers the fewest total requests; ties keep candidate order.
func pickLeastUsed(healthy []string, stats map[string]ProviderStats) *ProviderSelection {
	best := healthy[0]
	bestCount := stats[best].TotalRequests
	for _, id := range healthy[1:] {
		if c := stats[id].TotalRequests; c < bestCount {
			best, bestCount = id, c
		}
	}
	return &ProviderSelection{
		ProviderID: best,
		Weight:     1,
		Reason:     fmt.Sprintf("least_used: %d requests", bestCount),
	}
}

// pickLowestLatency only considers candidates with recorded latency; when
// none has any, the first candidate is used.
func pickLowestLatency(healthy []string, stats map[string]ProviderStats) *ProviderSelection {
	best := ""
	var bestLatency float64
	for _, id := range healthy {
		s, ok := stats[id]
		if !ok || s.TotalRequests == 0 {
			continue
		}
		if best == "" || s.AverageLatencyMs < bestLatency {
			best, bestLatency = id, s.AverageLatencyMs
		}
	}
	if best == "" {
		return &ProviderSelection{
			ProviderID: healthy[0],
			Weight:     1,
			Reason:     "lowest_latency: no latency recorded, first candidate",
		}
	}
	return &ProviderSelection{
		ProviderID: best,
		Weight:     1,
		Reason:     fmt.Sprintf("lowest_latency: %.1fms average", bestLatency),
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
