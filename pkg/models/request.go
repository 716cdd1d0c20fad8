package models

import (
	"encoding/json"
	"time"
)

// Provider identifies a concrete LLM backend.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderAzure      Provider = "azure"
	ProviderBedrock    Provider = "bedrock"
	ProviderGoogle     Provider = "google"
	ProviderOpenRouter Provider = "openrouter"
	ProviderVenice     Provider = "venice"
)

// Valid reports whether the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderAzure, ProviderBedrock,
		ProviderGoogle, ProviderOpenRouter, ProviderVenice:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a ledger row.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// LLMRequest is the durable ledger record of one logical provider call.
// Exactly one row is written per call as seen by the caller; retries inside
// the adapter update RetryAttempt on the same row.
type LLMRequest struct {
	ID     string `json:"id"`
	UserID *int64 `json:"user_id,omitempty"`

	Provider        Provider `json:"provider"`
	Model           string   `json:"model"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`

	// Messages is the canonical request transcript, serialized as JSON.
	Messages json.RawMessage `json:"messages,omitempty"`

	// AdditionalParams carries caller-supplied overrides beyond the
	// canonical fields.
	AdditionalParams json.RawMessage `json:"additional_params,omitempty"`

	// RequestPayload is the provider-specific request, for auditing.
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`

	ResponseContent *string         `json:"response_content,omitempty"`
	ResponseRaw     json.RawMessage `json:"response_raw,omitempty"`

	TokensUsed   *int     `json:"tokens_used,omitempty"`
	InputTokens  *int     `json:"input_tokens,omitempty"`
	OutputTokens *int     `json:"output_tokens,omitempty"`
	CostEstimate *float64 `json:"cost_estimate,omitempty"`
	FinishReason *string  `json:"finish_reason,omitempty"`

	Status          RequestStatus `json:"status"`
	ExecutionTimeMS *int64        `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	ErrorType       *string       `json:"error_type,omitempty"`
	RetryAttempt    int           `json:"retry_attempt"`
	Cached          bool          `json:"cached"`

	ProviderResponseID *string    `json:"provider_response_id,omitempty"`
	SystemFingerprint  *string    `json:"system_fingerprint,omitempty"`
	ResponseCreatedAt  *time.Time `json:"response_created_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
