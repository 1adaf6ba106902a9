package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

type echoProvider struct {
	provider.Base
	calls     atomic.Int32
	healthErr error
}

func (p *echoProvider) ChatCompletion(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	p.calls.Add(1)
	return &types.ChatResponse{
		ID:      "chatcmpl-" + p.ID,
		Model:   req.Model,
		Choices: []types.Choice{{Message: types.TextMessage("assistant", "hi"), FinishReason: "stop"}},
		Usage:   &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

func (p *echoProvider) HealthCheck(context.Context) error { return p.healthErr }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBuild(opts ...llmrelay.Option) buildFunc {
	return clientBuilder(testLogger(), opts)
}

func chat() *llmrelay.ChatRequest {
	return &llmrelay.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llmrelay.ChatMessage{llmrelay.TextMessage("user", "Hello!")},
	}
}

func TestClientReloader_SwapsClient(t *testing.T) {
	holder := &clientHolder{}
	t.Cleanup(func() { _ = holder.Close() })

	build := testBuild()
	first, err := build(config.DefaultConfig(), nil)
	require.NoError(t, err)
	holder.Swap(first)

	r := newClientReloader(testLogger(), holder, build)
	r.Reload(config.DefaultConfig())

	assert.NotSame(t, first, holder.Load())
	assert.NotNil(t, holder.Load())
}

func TestClientReloader_CarriesState(t *testing.T) {
	p := &echoProvider{Base: provider.Base{ID: "openai"}}
	holder := &clientHolder{}
	t.Cleanup(func() { _ = holder.Close() })

	build := testBuild(llmrelay.WithProvider("openai", p))
	first, err := build(config.DefaultConfig(), nil)
	require.NoError(t, err)
	holder.Swap(first)

	ctx := context.Background()
	_, err = first.ChatCompletion(ctx, chat())
	require.NoError(t, err)
	first.ForceOpen("standby")

	cfg := config.DefaultConfig()
	cfg.CircuitBreaker.FailureThreshold = 9
	newClientReloader(testLogger(), holder, build).Reload(cfg)
	next := holder.Load()
	require.NotSame(t, first, next)

	// Router statistics and breaker states survive the swap.
	stats, err := next.ProviderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats["openai"].TotalRequests)

	states := map[string]string{}
	for _, m := range next.CircuitMetrics() {
		states[m.Name] = m.StateName
	}
	assert.Equal(t, "open", states["standby"])

	// The cache outlives the closed client and still serves the response.
	_, err = next.ChatCompletion(ctx, chat())
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestClientReloader_KeepsClientOnBuildError(t *testing.T) {
	holder := &clientHolder{}
	t.Cleanup(func() { _ = holder.Close() })

	first, err := testBuild()(config.DefaultConfig(), nil)
	require.NoError(t, err)
	holder.Swap(first)

	r := newClientReloader(testLogger(), holder, func(*config.Config, *llmrelay.Client) (*llmrelay.Client, error) {
		return nil, errors.New("boom")
	})
	r.Reload(config.DefaultConfig())

	assert.Same(t, first, holder.Load())
}

func TestHandlers(t *testing.T) {
	holder := &clientHolder{}
	t.Cleanup(func() { _ = holder.Close() })
	routes := holder.routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)

	empty, err := testBuild()(config.DefaultConfig(), nil)
	require.NoError(t, err)
	holder.Swap(empty)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code, "no providers registered")

	sick := &echoProvider{Base: provider.Base{ID: "sick"}, healthErr: errors.New("refused")}
	c, err := testBuild(
		llmrelay.WithProvider("openai", &echoProvider{Base: provider.Base{ID: "openai"}}),
		llmrelay.WithProvider("sick", sick),
	)(config.DefaultConfig(), nil)
	require.NoError(t, err)
	holder.Swap(c)
	c.ForceOpen("openai")

	rec := get("/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sick":"refused"`)

	rec = get("/circuits")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"state":"open"`)

	assert.Equal(t, http.StatusOK, get("/metrics").Code)
}

func TestCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing:\n  strategy: fallback\n"), 0o600))

	out, err := Check(path)
	require.NoError(t, err)
	assert.Contains(t, out, "strategy=fallback")
	assert.Contains(t, out, "retries=3")

	_, err = Check(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
