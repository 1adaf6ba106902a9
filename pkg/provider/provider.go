// Package provider defines the capability interface the gateway core consumes
// from upstream LLM adapters. Wire formats live in the adapters; the core only
// sees unified request and response types.
package provider

import (
	"context"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Provider is implemented once per upstream (OpenAI, Anthropic, ...).
// Operations an upstream does not offer should return an error produced by
// Unsupported; embedding Base gives those defaults for free.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// StreamChatCompletion opens a stream. The caller must Close it.
	StreamChatCompletion(ctx context.Context, req *types.ChatRequest) (Stream, error)

	Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)
	ImageGeneration(ctx context.Context, req *types.ImageRequest) (*types.ImageResponse, error)
	AudioTranscription(ctx context.Context, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error)
	TextToSpeech(ctx context.Context, req *types.SpeechRequest) (*types.SpeechResponse, error)

	// HealthCheck returns nil when the upstream is reachable.
	HealthCheck(ctx context.Context) error
}

// Stream yields chunks of a streaming chat completion.
type Stream interface {
	// Recv returns the next chunk, or io.EOF when the stream is complete.
	Recv() (*types.StreamChunk, error)

	// Close releases resources associated with the stream.
	Close() error
}

// Unsupported builds the configuration error returned for operations a
// provider does not implement.
func Unsupported(provider, operation string) error {
	e := errors.NewConfigError(operation + " is not supported by provider " + provider)
	e.Provider = provider
	return e
}

// Base provides Unsupported defaults for every operation except Name and
// ChatCompletion. Adapters embed it and override what they support.
type Base struct {
	ID string
}

func (b Base) Name() string { return b.ID }

func (b Base) StreamChatCompletion(context.Context, *types.ChatRequest) (Stream, error) {
	return nil, Unsupported(b.ID, "stream_chat_completion")
}

func (b Base) Embedding(context.Context, *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, Unsupported(b.ID, "embedding")
}

func (b Base) ImageGeneration(context.Context, *types.ImageRequest) (*types.ImageResponse, error) {
	return nil, Unsupported(b.ID, "image_generation")
}

func (b Base) AudioTranscription(context.Context, *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	return nil, Unsupported(b.ID, "audio_transcription")
}

func (b Base) TextToSpeech(context.Context, *types.SpeechRequest) (*types.SpeechResponse, error) {
	return nil, Unsupported(b.ID, "text_to_speech")
}

func (b Base) HealthCheck(context.Context) error { return nil }
