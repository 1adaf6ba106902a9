package llmrelay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

const testModel = "test-model"

// scriptedProvider returns the scripted errors in order, then succeeds.
// A nil entry in the script is a success.
type scriptedProvider struct {
	provider.Base

	mu     sync.Mutex
	script []error
	calls  int
	delay  time.Duration

	// always, when set, is returned on every call after the script runs out.
	always error

	chunks    []*types.StreamChunk
	streamErr error
	healthErr error
}

func newScriptedProvider(id string, script ...error) *scriptedProvider {
	return &scriptedProvider{Base: provider.Base{ID: id}, script: script}
}

func failingProvider(id string, err error) *scriptedProvider {
	p := newScriptedProvider(id)
	p.always = err
	return p
}

func (p *scriptedProvider) next(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	var err error
	switch {
	case len(p.script) > 0:
		err = p.script[0]
		p.script = p.script[1:]
	default:
		err = p.always
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if err := p.next(ctx); err != nil {
		return nil, err
	}
	return &types.ChatResponse{
		ID:     "chatcmpl-" + p.ID,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.TextMessage("assistant", "hello from "+p.ID),
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (p *scriptedProvider) StreamChatCompletion(ctx context.Context, _ *types.ChatRequest) (provider.Stream, error) {
	if err := p.next(ctx); err != nil {
		return nil, err
	}
	return &sliceStream{ctx: ctx, chunks: p.chunks, err: p.streamErr}, nil
}

func (p *scriptedProvider) Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	if err := p.next(ctx); err != nil {
		return nil, err
	}
	return &types.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Data:   []types.EmbeddingObject{{Object: "embedding", Index: 0, Embedding: []float64{0.1, 0.2}}},
		Usage:  types.Usage{PromptTokens: 8, TotalTokens: 8},
	}, nil
}

func (p *scriptedProvider) HealthCheck(context.Context) error {
	return p.healthErr
}

// sliceStream is bound to the context it was opened with, like a stream
// reading an HTTP response body.
type sliceStream struct {
	ctx    context.Context
	chunks []*types.StreamChunk
	err    error
	closed bool
}

func (s *sliceStream) Recv() (*types.StreamChunk, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// recordingSink keeps every metrics record.
type recordingSink struct {
	mu      sync.Mutex
	records []metrics.Record
}

func (s *recordingSink) RecordRequest(r *metrics.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *r)
}

func (s *recordingSink) All() []metrics.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.Record(nil), s.records...)
}

func (s *recordingSink) Last(t *testing.T) metrics.Record {
	t.Helper()
	all := s.All()
	require.NotEmpty(t, all, "no metrics record")
	return all[len(all)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a client with fast retries, a recording sink and a
// silent logger. opts are applied last.
func newTestClient(t *testing.T, opts ...Option) (*Client, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	base := []Option{
		WithLogger(discardLogger()),
		WithMetricsSink(sink),
		WithRouterSeed(42),
		WithRetry(2, time.Millisecond),
		WithRetryMaxBackoff(5 * time.Millisecond),
		WithRetryJitter(0),
	}
	client, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, sink
}

func chatRequest(model string) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: []ChatMessage{TextMessage("user", "Hello!")},
	}
}
