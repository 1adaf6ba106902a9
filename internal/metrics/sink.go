package metrics

import (
	"strconv"
	"time"
)

// Record describes one finished request.
type Record struct {
	Method       string
	Path         string
	StatusCode   int
	Latency      time.Duration
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	CacheHit     bool
}

// Sink receives a Record after every request. Implementations must be safe
// for concurrent use.
type Sink interface {
	RecordRequest(r *Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r *Record)

func (f SinkFunc) RecordRequest(r *Record) { f(r) }

// PrometheusSink writes records to the package collectors.
type PrometheusSink struct{}

// NewPrometheusSink creates a sink backed by the default registry.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// RecordRequest records all metrics for a completed request.
func (PrometheusSink) RecordRequest(r *Record) {
	RequestsTotal.WithLabelValues(
		r.Method, r.Provider, r.Model, strconv.Itoa(r.StatusCode), strconv.FormatBool(r.CacheHit),
	).Inc()

	RequestLatency.WithLabelValues(r.Method, r.Provider, r.Model).Observe(r.Latency.Seconds())

	if r.InputTokens > 0 {
		InputTokens.WithLabelValues(r.Provider, r.Model).Add(float64(r.InputTokens))
	}
	if r.OutputTokens > 0 {
		OutputTokens.WithLabelValues(r.Provider, r.Model).Add(float64(r.OutputTokens))
	}
	if r.Cost > 0 {
		TotalSpend.WithLabelValues(r.Provider, r.Model).Add(r.Cost)
	}
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

func (m MultiSink) RecordRequest(r *Record) {
	for _, s := range m {
		s.RecordRequest(r)
	}
}
