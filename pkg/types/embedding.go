package types

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EmbeddingInput accepts either a single string or an array of strings,
// matching the two text forms of the OpenAI embeddings API.
type EmbeddingInput struct {
	Text  *string
	Texts []string
}

// UnmarshalJSON infers the input form from the payload.
func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	e.Text = nil
	e.Texts = nil

	if string(data) == "null" {
		return fmt.Errorf("input cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		e.Texts = ss
		return nil
	}

	return fmt.Errorf("input must be string or []string")
}

// MarshalJSON writes whichever form is set.
func (e EmbeddingInput) MarshalJSON() ([]byte, error) {
	switch {
	case e.Text != nil && e.Texts != nil:
		return nil, fmt.Errorf("embedding input must set exactly one field")
	case e.Text != nil:
		return json.Marshal(*e.Text)
	case e.Texts != nil:
		return json.Marshal(e.Texts)
	}
	return nil, fmt.Errorf("embedding input is empty")
}

// Validate checks that the input is non-empty.
func (e *EmbeddingInput) Validate() error {
	if e.Text != nil {
		if *e.Text == "" {
			return fmt.Errorf("input string cannot be empty")
		}
		return nil
	}
	if e.Texts != nil {
		if len(e.Texts) == 0 {
			return fmt.Errorf("input array cannot be empty")
		}
		for i, s := range e.Texts {
			if s == "" {
				return fmt.Errorf("input array contains empty string at index %d", i)
			}
		}
		return nil
	}
	return fmt.Errorf("input cannot be nil")
}

// Size returns the number of input bytes.
func (e *EmbeddingInput) Size() int {
	if e.Text != nil {
		return len(*e.Text)
	}
	n := 0
	for _, s := range e.Texts {
		n += len(s)
	}
	return n
}

// NewEmbeddingInputFromString creates an EmbeddingInput from a single string.
func NewEmbeddingInputFromString(s string) *EmbeddingInput {
	return &EmbeddingInput{Text: &s}
}

// NewEmbeddingInputFromStrings creates an EmbeddingInput from a string slice.
func NewEmbeddingInputFromStrings(ss []string) *EmbeddingInput {
	return &EmbeddingInput{Texts: ss}
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          *EmbeddingInput `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
}

// Validate checks if the embedding request is valid.
func (r *EmbeddingRequest) Validate() error {
	if r.Input == nil {
		return fmt.Errorf("input cannot be nil")
	}
	return r.Input.Validate()
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string            `json:"object"`
	Data   []EmbeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  Usage             `json:"usage"`
}

// EmbeddingObject represents a single embedding vector.
type EmbeddingObject struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}
