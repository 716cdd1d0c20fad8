package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// openAIRates prices the OpenAI chat models, USD per million tokens.
var openAIRates = RateTable{
	"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.0},
	"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":   {InputPer1M: 10.0, OutputPer1M: 30.0},
	"gpt-4":         {InputPer1M: 30.0, OutputPer1M: 60.0},
	"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},
	"o1":            {InputPer1M: 15.0, OutputPer1M: 60.0},
	"o1-mini":       {InputPer1M: 3.0, OutputPer1M: 12.0},
}

// OpenAIProvider adapts the canonical interface to OpenAI's API. Beyond chat
// it serves image generation and text-to-speech, which the other adapters do
// not implement.
//
// Safe for concurrent use; each call is independent.
type OpenAIProvider struct {
	core chatCore
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (used by compatible backends).
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, llmerrors.Configuration("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		core: chatCore{
			client:       openai.NewClientWithConfig(clientConfig),
			name:         models.ProviderOpenAI,
			defaultModel: cfg.DefaultModel,
			base:         NewBase("openai", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
			rates:        openAIRates,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() models.Provider {
	return p.core.name
}

// GenerateResponse performs one chat completion with retry.
func (p *OpenAIProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	return p.core.generate(ctx, req)
}

// GenerateObject uses the native json_schema response format.
func (p *OpenAIProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	return p.core.generateObjectNative(ctx, req, s)
}

// EstimateCost prices the given token counts against the static rate table.
func (p *OpenAIProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.core.rates.Estimate(promptTokens, completionTokens, model)
}

// GenerateImage creates one image via the Images API.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, req *models.ImageRequest) (*models.ImageResponse, error) {
	model := req.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	imgReq := openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}
	if req.Size != "" {
		imgReq.Size = req.Size
	}
	if req.Quality != "" {
		imgReq.Quality = req.Quality
	}
	if req.Style != "" {
		imgReq.Style = req.Style
	}

	callCtx, cancel := p.core.base.CallContext(ctx, 0)
	defer cancel()

	var resp openai.ImageResponse
	_, err := p.core.base.Retry(callCtx, func() error {
		var callErr error
		resp, callErr = p.core.client.CreateImage(callCtx, imgReq)
		return p.core.mapError(callErr, model)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, llmerrors.ProviderFailure("openai", model, 0, errors.New("image response contained no data"))
	}

	return &models.ImageResponse{
		URL:           resp.Data[0].URL,
		B64JSON:       resp.Data[0].B64JSON,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
		Model:         model,
		CostEstimate:  imageCost(model, req.Quality),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// GenerateAudio synthesizes speech via the TTS API.
func (p *OpenAIProvider) GenerateAudio(ctx context.Context, req *models.AudioRequest) (*models.AudioResponse, error) {
	model := req.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}
	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
	}
	if req.Speed > 0 {
		speechReq.Speed = req.Speed
	}

	callCtx, cancel := p.core.base.CallContext(ctx, 0)
	defer cancel()

	var audio []byte
	_, err := p.core.base.Retry(callCtx, func() error {
		raw, callErr := p.core.client.CreateSpeech(callCtx, speechReq)
		if callErr != nil {
			return p.core.mapError(callErr, model)
		}
		defer raw.Close()
		audio, callErr = io.ReadAll(raw)
		if callErr != nil {
			return llmerrors.ProviderFailure("openai", model, 0, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.AudioResponse{
		Audio:        audio,
		Format:       format,
		Model:        model,
		CostEstimate: float64(len(req.Text)) / 1e6 * 15.0, // $15 per 1M characters
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func imageCost(model, quality string) float64 {
	// Flat per-image prices for the DALL-E models.
	if model == openai.CreateImageModelDallE3 {
		if quality == "hd" {
			return 0.080
		}
		return 0.040
	}
	return 0.020
}
