package models

import "time"

// Usage holds token counters for a single provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// LLMResponse is the normalized result of a provider generate call.
type LLMResponse struct {
	// Content is the assistant's textual reply.
	Content string `json:"content"`

	// ToolCalls is populated when the model requested tool execution
	// instead of (or in addition to) producing text.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	Model        string  `json:"model"`
	Provider     Provider `json:"provider"`
	Usage        Usage   `json:"usage"`
	CostEstimate float64 `json:"cost_estimate"`
	FinishReason string  `json:"finish_reason,omitempty"`

	// ProviderResponseID is the vendor-assigned id for the completion.
	ProviderResponseID string `json:"provider_response_id,omitempty"`

	// SystemFingerprint is reported by OpenAI-compatible backends.
	SystemFingerprint string `json:"system_fingerprint,omitempty"`

	// Cached is true when the response was served from the response cache
	// rather than a live vendor call.
	Cached bool `json:"cached,omitempty"`

	// Raw is the provider-specific response payload, serialized for the
	// ledger. Nil for cache hits.
	Raw []byte `json:"-"`

	// RequestPayload is the provider-specific request that produced this
	// response, serialized for the ledger.
	RequestPayload []byte `json:"-"`

	// Attempts is the number of vendor attempts the adapter made (1-based).
	Attempts int `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// ImageRequest describes an image generation call.
type ImageRequest struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

// ImageResponse is the normalized result of an image generation call.
type ImageResponse struct {
	URL           string    `json:"url,omitempty"`
	B64JSON       string    `json:"b64_json,omitempty"`
	RevisedPrompt string    `json:"revised_prompt,omitempty"`
	Model         string    `json:"model"`
	CostEstimate  float64   `json:"cost_estimate"`
	CreatedAt     time.Time `json:"created_at"`
}

// AudioRequest describes a text-to-speech call.
type AudioRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Model  string  `json:"model,omitempty"`
	Format string  `json:"format,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

// AudioResponse is the normalized result of a text-to-speech call.
type AudioResponse struct {
	Audio        []byte    `json:"-"`
	Format       string    `json:"format"`
	Model        string    `json:"model"`
	CostEstimate float64   `json:"cost_estimate"`
	CreatedAt    time.Time `json:"created_at"`
}
