package admin

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/llmrelay"
	"github.com/blueberrycongee/llmrelay/internal/config"
)

type buildFunc func(cfg *config.Config, prev *llmrelay.Client) (*llmrelay.Client, error)

// clientHolder publishes the current client. Swap closes the previous one.
type clientHolder struct {
	current atomic.Pointer[llmrelay.Client]
}

func (h *clientHolder) Load() *llmrelay.Client {
	return h.current.Load()
}

func (h *clientHolder) Swap(next *llmrelay.Client) {
	if prev := h.current.Swap(next); prev != nil {
		_ = prev.Close()
	}
}

func (h *clientHolder) Close() error {
	if c := h.current.Swap(nil); c != nil {
		return c.Close()
	}
	return nil
}

func (h *clientHolder) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health/ready", h.handleReady)
	mux.HandleFunc("GET /circuits", h.handleCircuits)
	return mux
}

// handleReady fails when no client is built, when no provider is registered,
// or when every provider fails its health check.
func (h *clientHolder) handleReady(w http.ResponseWriter, r *http.Request) {
	c := h.Load()
	if c == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	providers := c.Providers()
	failed := c.HealthCheck(r.Context())
	status := http.StatusOK
	if len(providers) == 0 || len(failed) == len(providers) {
		status = http.StatusServiceUnavailable
	}
	body := make(map[string]string, len(failed))
	for id, err := range failed {
		body[id] = err.Error()
	}
	writeJSON(w, status, map[string]any{"providers": providers, "failed": body})
}

func (h *clientHolder) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	c := h.Load()
	if c == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, c.CircuitMetrics())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type clientReloader struct {
	logger     *slog.Logger
	holder     *clientHolder
	build      buildFunc
	inProgress atomic.Bool
}

func newClientReloader(logger *slog.Logger, holder *clientHolder, build buildFunc) *clientReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &clientReloader{
		logger: logger,
		holder: holder,
		build:  build,
	}
}

// Reload rebuilds the client from cfg, carrying over the current client's
// runtime state, and swaps it in. A failed build keeps the current client.
func (r *clientReloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("client reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	next, err := r.build(cfg, r.holder.Load())
	if err != nil {
		r.logger.Error("failed to rebuild llmrelay client", "error", err)
		return
	}

	r.holder.Swap(next)
	r.logger.Info("llmrelay client reloaded",
		"providers", len(cfg.Providers),
		"routing_strategy", cfg.Routing.Strategy,
	)
}
