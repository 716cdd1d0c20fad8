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

// openRouterBaseURL is the OpenAI-compatible endpoint OpenRouter serves.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// openRouterRates prices a representative slice of the routed catalog, USD
// per million tokens. Unlisted models fall back to the cheapest entry, so
// estimates for exotic routes lean low.
var openRouterRates = RateTable{
	"anthropic/claude-3.5-sonnet": {InputPer1M: 3.0, OutputPer1M: 15.0},
	"openai/gpt-4o":               {InputPer1M: 2.50, OutputPer1M: 10.0},
	"openai/gpt-4o-mini":          {InputPer1M: 0.15, OutputPer1M: 0.60},
	"google/gemini-2.0-flash-001": {InputPer1M: 0.10, OutputPer1M: 0.40},
	"meta-llama/llama-3.1-70b":    {InputPer1M: 0.30, OutputPer1M: 0.40},
	"mistralai/mistral-large":     {InputPer1M: 2.0, OutputPer1M: 6.0},
}

// OpenRouterProvider routes requests through OpenRouter's OpenAI-compatible
// gateway. Structured output falls back to prompt injection because the
// routed model zoo does not uniformly honor json_schema.
type OpenRouterProvider struct {
	core chatCore
}

// OpenRouterConfig holds configuration for the OpenRouter provider.
type OpenRouterConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the gateway endpoint.
	BaseURL string

	// DefaultModel is used when a request does not name a model, in
	// vendor-prefixed form, e.g. "anthropic/claude-3.5-sonnet".
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewOpenRouterProvider creates an OpenRouter adapter.
func NewOpenRouterProvider(cfg OpenRouterConfig) (*OpenRouterProvider, error) {
	if cfg.APIKey == "" {
		return nil, llmerrors.Configuration("openrouter: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic/claude-3.5-sonnet"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL

	return &OpenRouterProvider{
		core: chatCore{
			client:       openai.NewClientWithConfig(clientConfig),
			name:         models.ProviderOpenRouter,
			defaultModel: cfg.DefaultModel,
			base:         NewBase("openrouter", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
			rates:        openRouterRates,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OpenRouterProvider) Name() models.Provider {
	return p.core.name
}

// GenerateResponse performs one chat completion with retry.
func (p *OpenRouterProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	return p.core.generate(ctx, req)
}

// GenerateObject produces schema-validated JSON via prompt injection.
func (p *OpenRouterProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	return generateObjectViaPrompt(ctx, p, req, s)
}

// EstimateCost prices the given token counts against the static rate table.
func (p *OpenRouterProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.core.rates.Estimate(promptTokens, completionTokens, model)
}
