// Package admin hosts a gateway core behind an admin HTTP listener: it builds
// the client from a configuration file, serves Prometheus metrics, provider
// readiness and breaker state, and rebuilds the client when the file changes.
//
// Provider implementations come from the embedding program through
// Options.ClientOptions:
//
//	err := admin.Run(ctx, admin.Options{
//	    ConfigPath: "config/config.yaml",
//	    Addr:       ":9090",
//	    ClientOptions: []llmrelay.Option{
//	        llmrelay.WithProvider("openai", openaiAdapter),
//	    },
//	})
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/blueberrycongee/llmrelay"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/observability"
)

// Options configures Run.
type Options struct {
	ConfigPath string
	Addr       string

	// ClientOptions are applied after the file configuration on every
	// build, including rebuilds on reload.
	ClientOptions []llmrelay.Option
}

// Run serves the admin endpoints until ctx is canceled, then shuts down.
func Run(ctx context.Context, opts Options) error {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(opts.ConfigPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()

	logger := observability.NewLogger(cfgManager.Get().Logging, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting llmrelay admin", "version", llmrelay.Version)

	holder := &clientHolder{}
	defer func() {
		if err := holder.Close(); err != nil {
			logger.Error("client close error", "error", err)
		}
	}()

	build := clientBuilder(logger, opts.ClientOptions)
	initial, err := build(cfgManager.Get(), nil)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}
	holder.Swap(initial)

	reloader := newClientReloader(logger, holder, build)
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           holder.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin listening", "addr", opts.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", "error", err)
	}
	logger.Info("stopped")
	return nil
}

// clientBuilder returns the build func used at startup and on reload. A
// rebuild carries the runtime state of the client it replaces.
func clientBuilder(logger *slog.Logger, extra []llmrelay.Option) buildFunc {
	return func(cfg *config.Config, prev *llmrelay.Client) (*llmrelay.Client, error) {
		opts := []llmrelay.Option{
			llmrelay.WithConfig(cfg),
			llmrelay.WithLogger(logger),
		}
		opts = append(opts, extra...)
		if prev != nil {
			opts = append(opts, llmrelay.WithStateFrom(prev))
		}
		return llmrelay.New(opts...)
	}
}

// Check loads and validates the file at path and returns a one-line summary.
func Check(path string) (string, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return "", err
	}
	return summarize(cfg), nil
}

func summarize(cfg *config.Config) string {
	return fmt.Sprintf("config ok: strategy=%s providers=%d cache=%t(%s) rate_limit=%t retries=%d",
		cfg.Routing.Strategy,
		len(cfg.Providers),
		cfg.Cache.Enabled, cfg.Cache.Backend,
		cfg.RateLimit.Enabled,
		cfg.Routing.Retry.MaxRetries,
	)
}
