package llmrelay

import (
	"io"
	"sync"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
)

// StreamReader iterates over the chunks of a streaming chat completion.
//
// Example:
//
//	stream, err := client.ChatCompletionStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Choices[0].Delta.Content)
//	}
type StreamReader struct {
	stream provider.Stream
	client *Client
	record *metrics.Record

	startTime time.Time
	ttft      time.Duration
	usage     *Usage
	chunks    int
	done      bool

	mu sync.Mutex
}

func newStreamReader(stream provider.Stream, c *Client, rec *metrics.Record, start time.Time) *StreamReader {
	return &StreamReader{
		stream:    stream,
		client:    c,
		record:    rec,
		startTime: start,
	}
}

// Recv returns the next chunk, or io.EOF when the stream is complete.
// Upstream failures are returned as *GatewayError.
func (s *StreamReader) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, io.EOF
	}

	chunk, err := s.stream.Recv()
	if err == io.EOF {
		s.finish(nil)
		return nil, io.EOF
	}
	if err != nil {
		gwErr := errors.FromError(err).WithProvider(s.record.Provider, s.record.Model)
		s.finish(gwErr)
		return nil, gwErr
	}

	if s.chunks == 0 {
		s.ttft = time.Since(s.startTime)
	}
	s.chunks++
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	return chunk, nil
}

// Close releases the upstream stream. It is safe to call more than once.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(nil)
	return s.stream.Close()
}

// TTFT returns the time to the first chunk, or 0 before one arrived.
func (s *StreamReader) TTFT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttft
}

// Provider returns the ID of the provider serving the stream.
func (s *StreamReader) Provider() string {
	return s.record.Provider
}

// finish reports the request record once. Must be called with mu held.
func (s *StreamReader) finish(err error) {
	if s.done {
		return
	}
	s.done = true

	if s.usage != nil {
		s.record.InputTokens = s.usage.PromptTokens
		s.record.OutputTokens = s.usage.CompletionTokens
		s.record.Cost = s.client.pricing.Calculate(
			s.record.Provider, s.record.Model, s.record.InputTokens, s.record.OutputTokens)
	}
	s.client.finish(s.record, s.startTime, err)

	s.client.logger.Debug("stream finished",
		"provider", s.record.Provider,
		"model", s.record.Model,
		"chunks", s.chunks,
		"ttft", s.ttft,
		"error", err,
	)
}

// heldStream runs done once the upstream stream ends or is closed.
type heldStream struct {
	provider.Stream
	once sync.Once
	done func()
}

func (h *heldStream) Recv() (*StreamChunk, error) {
	chunk, err := h.Stream.Recv()
	if err != nil {
		h.once.Do(h.done)
	}
	return chunk, err
}

func (h *heldStream) Close() error {
	err := h.Stream.Close()
	h.once.Do(h.done)
	return err
}
