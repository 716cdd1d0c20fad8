package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// googleRates prices the Gemini models, USD per million tokens.
var googleRates = RateTable{
	"gemini-2.0-flash":      {InputPer1M: 0.10, OutputPer1M: 0.40},
	"gemini-2.0-flash-lite": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":        {InputPer1M: 1.25, OutputPer1M: 5.0},
	"gemini-1.5-flash":      {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// GoogleProvider adapts the canonical interface to the Gemini API. System
// prompts ride in the generation config as a system instruction; tool calls
// map to Gemini function calls. Gemini does not return tool call ids, so the
// adapter mints them.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         Base
	rates        RateTable
}

// GoogleConfig holds configuration for the Google provider.
type GoogleConfig struct {
	// APIKey is required.
	APIKey string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewGoogleProvider creates a Gemini adapter.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, llmerrors.Configuration("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.Configuration("google: failed to create client: " + err.Error())
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		base:         NewBase("google", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
		rates:        googleRates,
	}, nil
}

// Name returns the provider identifier.
func (p *GoogleProvider) Name() models.Provider {
	return models.ProviderGoogle
}

// GenerateResponse performs one GenerateContent call with retry.
func (p *GoogleProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	return p.generate(ctx, req, nil)
}

// GenerateObject uses Gemini's native JSON response mode with the schema
// attached to the generation config, then validates locally.
func (p *GoogleProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	resp, err := p.generate(ctx, req, s)
	if err != nil {
		return nil, nil, err
	}
	raw, err := schema.ExtractJSON(resp.Content)
	if err != nil {
		return nil, resp, err
	}
	if err := s.Validate(raw); err != nil {
		return nil, resp, err
	}
	return raw, resp, nil
}

// EstimateCost prices the given token counts against the static rate table.
func (p *GoogleProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.rates.Estimate(promptTokens, completionTokens, model)
}

func (p *GoogleProvider) generate(ctx context.Context, req *Request, s *schema.Schema) (*models.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	config := p.buildConfig(req, s)

	callCtx, cancel := p.base.CallContext(ctx, req.Timeout)
	defer cancel()

	var resp *genai.GenerateContentResponse
	attempts, err := p.base.Retry(callCtx, func() error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(callCtx, model, contents, config)
		return p.mapError(callErr, model)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, llmerrors.ProviderFailure("google", model, 0, errors.New("response contained no candidates"))
	}

	candidate := resp.Candidates[0]
	out := &models.LLMResponse{
		Model:        model,
		Provider:     models.ProviderGoogle,
		FinishReason: string(candidate.FinishReason),
		Attempts:     attempts,
		CreatedAt:    time.Now().UTC(),
	}
	if resp.UsageMetadata != nil {
		out.Usage = models.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	out.CostEstimate = p.EstimateCost(out.Usage.InputTokens, out.Usage.OutputTokens, model)

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, marshalErr := json.Marshal(part.FunctionCall.Args)
			if marshalErr != nil {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        mintToolCallID(part.FunctionCall.Name),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	out.Content = text.String()

	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	if payload, err := json.Marshal(req); err == nil {
		out.RequestPayload = payload
	}
	return out, nil
}

func (p *GoogleProvider) buildConfig(req *Request, s *schema.Schema) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system, _ := SplitSystem(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		maxTokens := min(*req.MaxOutputTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	if s != nil {
		config.ResponseMIMEType = "application/json"
		var schemaMap map[string]any
		if err := json.Unmarshal(s.Raw, &schemaMap); err == nil {
			config.ResponseSchema = toGeminiSchema(schemaMap)
		}
	}
	return config
}

// toGeminiContents converts canonical messages to Gemini content. System
// messages are excluded here; they travel as the system instruction.
func toGeminiContents(messages []models.Message) ([]*genai.Content, error) {
	_, rest := SplitSystem(messages)

	var result []*genai.Content
	for _, msg := range rest {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		switch msg.Role {
		case models.RoleTool, models.RoleFunction:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: response,
				},
			})
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					return nil, llmerrors.Validation("invalid tool call arguments", err)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Name,
						Args: args,
					},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func toGeminiTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed schema. Only
// the subset Gemini understands is carried over.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	out := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		out.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		out.Items = toGeminiSchema(items)
	}
	return out
}

func mintToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%s", name, uuid.NewString()[:8])
}

// mapError translates genai errors into the canonical taxonomy.
func (p *GoogleProvider) mapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Kind:     llmerrors.ClassifyStatus(apiErr.Code),
			Provider: "google",
			Model:    model,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.Timeout("google", err)
	}
	return llmerrors.Wrap("google", model, err)
}
