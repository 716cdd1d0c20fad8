// Package providers contains the per-vendor adapters behind the LLM service.
// Each adapter translates the canonical request into its vendor's wire shape,
// drives the call with retry, and normalizes the result. Vendor errors are
// mapped to the canonical taxonomy before they leave the adapter.
package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Request is the canonical generation request handed to an adapter.
type Request struct {
	Model           string
	Messages        []models.Message
	Temperature     *float64
	MaxOutputTokens *int

	// Tools enables tool-call mode for adapters that support it. When the
	// model requests tool execution, the returned response carries the
	// calls in ToolCalls.
	Tools []ToolSpec

	// Extra carries caller-supplied vendor overrides beyond the canonical
	// fields; persisted to the ledger as additional_params.
	Extra map[string]any

	// Timeout bounds the whole call including retries. Zero means the
	// adapter default.
	Timeout time.Duration
}

// ToolSpec declares one tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// Provider is the canonical adapter interface. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Name returns the provider identifier used for routing and the ledger.
	Name() models.Provider

	// GenerateResponse performs one logical generation call. The adapter
	// retries transient failures internally; the returned response reports
	// the final attempt count.
	GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error)

	// EstimateCost returns the USD cost for the given token counts against
	// the adapter's static rate table.
	EstimateCost(promptTokens, completionTokens int, model string) float64
}

// ObjectGenerator is implemented by adapters that can produce
// schema-validated structured output, either natively or via prompt
// injection with JSON post-parsing.
type ObjectGenerator interface {
	// GenerateObject returns the validated JSON document along with the
	// normalized response that produced it.
	GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error)
}

// ImageGenerator is implemented by adapters that support image generation.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *models.ImageRequest) (*models.ImageResponse, error)
}

// AudioGenerator is implemented by adapters that support text-to-speech.
type AudioGenerator interface {
	GenerateAudio(ctx context.Context, req *models.AudioRequest) (*models.AudioResponse, error)
}

// SplitSystem separates leading system messages from the rest of the
// transcript for vendors that take the system prompt out of band.
func SplitSystem(messages []models.Message) (system string, rest []models.Message) {
	rest = make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem && system == "" && len(rest) == 0 {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
