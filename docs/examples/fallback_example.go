// Example: retries, fallback and caching with llmrelay.
//
// Two in-process providers stand in for real adapters: "flaky" fails most
// requests with 503, "steady" always answers. The client retries flaky,
// falls back to steady, and serves the repeated request from the cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/blueberrycongee/llmrelay"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

type demoProvider struct {
	provider.Base
	failRate float64
}

func (p *demoProvider) ChatCompletion(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if rand.Float64() < p.failRate {
		return nil, errors.NewProviderError(p.ID, req.Model, 503, "overloaded")
	}
	return &types.ChatResponse{
		ID:    "demo-" + p.ID,
		Model: req.Model,
		Choices: []types.Choice{{
			Message:      types.TextMessage("assistant", "hello from "+p.ID),
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cacheCfg := llmrelay.CacheConfig{Backend: "memory", TTL: time.Minute, MaxSize: 100}

	client, err := llmrelay.New(
		llmrelay.WithProvider("flaky", &demoProvider{Base: provider.Base{ID: "flaky"}, failRate: 0.8}, "gpt-4o-mini"),
		llmrelay.WithProvider("steady", &demoProvider{Base: provider.Base{ID: "steady"}}, "gpt-4o-mini"),
		llmrelay.WithRetry(2, 100*time.Millisecond),
		llmrelay.WithCache(cacheCfg),
		llmrelay.WithRateLimit(llmrelay.RateLimits{RequestsPerMinute: 10}),
		llmrelay.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx := context.Background()
	req := &llmrelay.ChatRequest{
		Model:    "gpt-4o-mini",
		User:     "demo-user",
		Messages: []llmrelay.ChatMessage{llmrelay.TextMessage("user", "Hello, how are you?")},
	}

	for i := 0; i < 3; i++ {
		resp, err := client.ChatCompletion(ctx, req)
		if err != nil {
			logger.Error("request failed", "error", err, "kind", errors.KindOf(err))
			continue
		}
		fmt.Printf("response %d: %s (%s)\n", i+1, resp.ID, string(resp.Choices[0].Message.Content))
	}

	stats := client.CacheStats()
	logger.Info("cache", "hits", stats.Hits, "misses", stats.Misses)

	providerStats, err := client.ProviderStats(ctx)
	if err == nil {
		for id, s := range providerStats {
			logger.Info("provider stats",
				"provider", id,
				"requests", s.TotalRequests,
				"success_rate", s.SuccessRate(),
				"avg_latency_ms", s.AverageLatencyMs,
			)
		}
	}
}
