package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// ChatKey returns the cache key for a chat request: chat:{model}:{sha256}.
// Fields that do not change the completion (stream, user) are left out of
// the hash.
func ChatKey(req *types.ChatRequest) (string, error) {
	cp := *req
	cp.Stream = false
	cp.User = ""
	return hashKey("chat", req.Model, cp)
}

// EmbeddingKey returns the cache key for an embedding request.
func EmbeddingKey(req *types.EmbeddingRequest) (string, error) {
	cp := *req
	cp.User = ""
	return hashKey("embedding", req.Model, cp)
}

func hashKey(kind, model string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	sum := sha256.Sum256(payload)
	return kind + ":" + model + ":" + hex.EncodeToString(sum[:]), nil
}
