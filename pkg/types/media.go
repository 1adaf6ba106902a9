package types

// ImageRequest is an image generation request.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// ImageResponse carries generated images as URLs or base64 payloads.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData is a single generated image.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// TranscriptionRequest asks a provider to turn audio into text.
type TranscriptionRequest struct {
	Model          string  `json:"model"`
	File           []byte  `json:"-"`
	Filename       string  `json:"filename"`
	Language       string  `json:"language,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	User           string  `json:"user,omitempty"`
}

// TranscriptionResponse is the recognized text.
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// SpeechRequest asks a provider to synthesize speech.
type SpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	User           string  `json:"user,omitempty"`
}

// SpeechResponse holds synthesized audio bytes.
type SpeechResponse struct {
	Audio       []byte `json:"-"`
	ContentType string `json:"content_type"`
}
