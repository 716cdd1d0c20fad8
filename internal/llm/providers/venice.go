package providers

import (
	"context"
	"encoding/json"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// veniceBaseURL is the OpenAI-compatible endpoint Venice AI serves.
const veniceBaseURL = "https://api.venice.ai/api/v1"

// veniceRates prices the Venice-hosted open models, USD per million tokens.
var veniceRates = RateTable{
	"llama-3.3-70b":      {InputPer1M: 0.70, OutputPer1M: 2.80},
	"llama-3.2-3b":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"qwen-2.5-coder-32b": {InputPer1M: 0.50, OutputPer1M: 2.0},
	"deepseek-r1-671b":   {InputPer1M: 3.50, OutputPer1M: 14.0},
}

// VeniceProvider adapts the canonical interface to Venice AI's hosted open
// models through their OpenAI-compatible API.
type VeniceProvider struct {
	core chatCore
}

// VeniceConfig holds configuration for the Venice provider.
type VeniceConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewVeniceProvider creates a Venice adapter.
func NewVeniceProvider(cfg VeniceConfig) (*VeniceProvider, error) {
	if cfg.APIKey == "" {
		return nil, llmerrors.Configuration("venice: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = veniceBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama-3.3-70b"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL

	return &VeniceProvider{
		core: chatCore{
			client:       openai.NewClientWithConfig(clientConfig),
			name:         models.ProviderVenice,
			defaultModel: cfg.DefaultModel,
			base:         NewBase("venice", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
			rates:        veniceRates,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *VeniceProvider) Name() models.Provider {
	return p.core.name
}

// GenerateResponse performs one chat completion with retry.
func (p *VeniceProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	return p.core.generate(ctx, req)
}

// GenerateObject produces schema-validated JSON via prompt injection.
func (p *VeniceProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	return generateObjectViaPrompt(ctx, p, req, s)
}

// EstimateCost prices the given token counts against the static rate table.
func (p *VeniceProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.core.rates.Estimate(promptTokens, completionTokens, model)
}
