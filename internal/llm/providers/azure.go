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

// AzureProvider adapts the canonical interface to Azure OpenAI Service.
// Model names are the caller's deployment names; the SDK maps them onto the
// deployment path segment. Pricing mirrors the OpenAI table since Azure
// deploys the same models.
type AzureProvider struct {
	core chatCore
}

// AzureConfig holds configuration for the Azure OpenAI provider.
type AzureConfig struct {
	// APIKey is required.
	APIKey string

	// Endpoint is the resource endpoint, e.g.
	// https://my-resource.openai.azure.com. Required.
	Endpoint string

	// APIVersion selects the service API version.
	// Default: 2024-02-15-preview
	APIVersion string

	// DefaultModel is the deployment used when a request does not name one.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewAzureProvider creates an Azure OpenAI adapter.
func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	if cfg.APIKey == "" {
		return nil, llmerrors.Configuration("azure: API key is required")
	}
	if cfg.Endpoint == "" {
		return nil, llmerrors.Configuration("azure: endpoint is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientConfig.APIVersion = cfg.APIVersion

	return &AzureProvider{
		core: chatCore{
			client:       openai.NewClientWithConfig(clientConfig),
			name:         models.ProviderAzure,
			defaultModel: cfg.DefaultModel,
			base:         NewBase("azure", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
			rates:        openAIRates,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *AzureProvider) Name() models.Provider {
	return p.core.name
}

// GenerateResponse performs one chat completion with retry.
func (p *AzureProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	return p.core.generate(ctx, req)
}

// GenerateObject uses the native json_schema response format.
func (p *AzureProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	return p.core.generateObjectNative(ctx, req, s)
}

// EstimateCost prices the given token counts against the static rate table.
func (p *AzureProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.core.rates.Estimate(promptTokens, completionTokens, model)
}
