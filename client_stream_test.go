package llmrelay

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

func streamChunks(parts ...string) []*StreamChunk {
	chunks := make([]*StreamChunk, 0, len(parts))
	for i, part := range parts {
		c := &StreamChunk{
			ID:      "chunk",
			Object:  "chat.completion.chunk",
			Model:   testModel,
			Choices: []types.StreamChoice{{Index: 0, Delta: types.StreamDelta{Content: part}}},
		}
		if i == len(parts)-1 {
			c.Usage = &Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func readAll(t *testing.T, s *StreamReader) (string, error) {
	t.Helper()
	var text string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return text, nil
		}
		if err != nil {
			return text, err
		}
		text += chunk.Choices[0].Delta.Content
	}
}

func TestChatCompletionStream(t *testing.T) {
	p := newScriptedProvider("primary")
	p.chunks = streamChunks("Hel", "lo", "!")
	client, sink := newTestClient(t,
		WithProvider("primary", p),
		WithPricing(ModelPricing{Model: testModel, InputCostPer1K: 1, OutputCostPer1K: 1}),
	)

	stream, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	assert.Equal(t, "primary", stream.Provider())
	assert.Empty(t, sink.All(), "record is emitted when the stream ends")

	text, err := readAll(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", text)
	assert.True(t, stream.TTFT() > 0)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	records := sink.All()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, "primary", rec.Provider)
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 20, rec.OutputTokens)
	assert.InDelta(t, 0.03, rec.Cost, 1e-9)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestChatCompletionStream_FallsBackOnOpen(t *testing.T) {
	primary := failingProvider("primary", unavailable("down"))
	secondary := newScriptedProvider("secondary")
	secondary.chunks = streamChunks("ok")

	client, _ := newTestClient(t,
		WithProvider("primary", primary),
		WithProvider("secondary", secondary),
	)

	stream, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "secondary", stream.Provider())
	assert.Equal(t, 3, primary.Calls())
	text, err := readAll(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestChatCompletionStream_MidStreamError(t *testing.T) {
	p := newScriptedProvider("primary")
	p.chunks = streamChunks("partial")
	p.streamErr = stderrors.New("connection reset")
	client, sink := newTestClient(t, WithProvider("primary", p))

	stream, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.NoError(t, err)

	text, err := readAll(t, stream)
	require.Error(t, err)
	assert.Equal(t, "partial", text)

	gwErr, ok := errors.As(err)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, "primary", gwErr.Provider)
	assert.Equal(t, testModel, gwErr.Model)

	require.NoError(t, stream.Close())
	records := sink.All()
	require.Len(t, records, 1)
	assert.NotEqual(t, 200, records[0].StatusCode)
}

func TestChatCompletionStream_OpenFailure(t *testing.T) {
	client, sink := newTestClient(t,
		WithProvider("primary", failingProvider("primary", errors.NewProviderError("primary", testModel, 400, "bad"))),
	)

	stream, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
	assert.Equal(t, 400, sink.Last(t).StatusCode)
}

func TestChatCompletionStream_DoesNotModifyCallerRequest(t *testing.T) {
	p := newScriptedProvider("primary")
	client, _ := newTestClient(t, WithProvider("primary", p))

	req := chatRequest(testModel)
	stream, err := client.ChatCompletionStream(context.Background(), req)
	require.NoError(t, err)
	defer stream.Close()
	assert.False(t, req.Stream)
}

func TestChatCompletionStream_OutlivesRequestTimeout(t *testing.T) {
	p := newScriptedProvider("primary")
	p.chunks = streamChunks("Hel", "lo")
	client, _ := newTestClient(t,
		WithProvider("primary", p),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			RequestTimeout:   20 * time.Millisecond,
			HalfOpenMaxCalls: 1,
		}),
	)

	stream, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	defer stream.Close()

	// Reading past the open timeout still works: the timeout bounds only
	// opening the stream.
	time.Sleep(40 * time.Millisecond)
	text, err := readAll(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestChatCompletionStream_CallerCancelEndsStream(t *testing.T) {
	p := newScriptedProvider("primary")
	p.chunks = streamChunks("a", "b")
	client, _ := newTestClient(t, WithProvider("primary", p))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.ChatCompletionStream(ctx, chatRequest(testModel))
	require.NoError(t, err)
	defer stream.Close()

	cancel()
	_, err = stream.Recv()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestChatCompletionStream_HoldsConcurrencySlotUntilEnd(t *testing.T) {
	p := newScriptedProvider("primary")
	p.chunks = streamChunks("a", "b")
	client, _ := newTestClient(t,
		WithProvider("primary", p),
		WithProviderLimits("primary", ProviderLimits{MaxConcurrent: 1}),
	)
	ctx := context.Background()

	stream, err := client.ChatCompletionStream(ctx, chatRequest(testModel))
	require.NoError(t, err)
	assert.Equal(t, 1, client.resilience.Stats("primary").ConcurrentCurrent)

	stats, ok := client.router.Stats(ctx, "primary")
	require.True(t, ok)
	assert.Equal(t, uint32(1), stats.CurrentLoad)

	_, err = readAll(t, stream)
	require.NoError(t, err)
	assert.Zero(t, client.resilience.Stats("primary").ConcurrentCurrent)

	stats, _ = client.router.Stats(ctx, "primary")
	assert.Zero(t, stats.CurrentLoad)

	require.NoError(t, stream.Close())
	assert.Zero(t, client.resilience.Stats("primary").ConcurrentCurrent)
}

func TestChatCompletionStream_CloseReleasesSlot(t *testing.T) {
	p := newScriptedProvider("primary")
	p.chunks = streamChunks("a", "b", "c")
	client, _ := newTestClient(t,
		WithProvider("primary", p),
		WithProviderLimits("primary", ProviderLimits{MaxConcurrent: 1}),
	)

	stream, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	assert.Zero(t, client.resilience.Stats("primary").ConcurrentCurrent)

	// The freed slot admits the next stream.
	next, err := client.ChatCompletionStream(context.Background(), chatRequest(testModel))
	require.NoError(t, err)
	require.NoError(t, next.Close())
}
