package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// anthropicRates prices the Claude models, USD per million tokens.
var anthropicRates = RateTable{
	"claude-sonnet-4-20250514":   {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-opus-4-20250514":     {InputPer1M: 15.0, OutputPer1M: 75.0},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.0},
	"claude-3-opus-20240229":     {InputPer1M: 15.0, OutputPer1M: 75.0},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
}

// AnthropicProvider adapts the canonical interface to Anthropic's Messages
// API. Responses are fetched whole rather than streamed; callers persist
// complete responses and replay them from the ledger.
//
// Safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         Base
	rates        RateTable
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, llmerrors.Configuration("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		base:         NewBase("anthropic", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
		rates:        anthropicRates,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() models.Provider {
	return models.ProviderAnthropic
}

// GenerateResponse performs one Messages API call with retry.
func (p *AnthropicProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := p.base.CallContext(ctx, req.Timeout)
	defer cancel()

	var msg *anthropic.Message
	attempts, err := p.base.Retry(callCtx, func() error {
		var callErr error
		msg, callErr = p.client.Messages.New(callCtx, params)
		return p.mapError(callErr, model)
	})
	if err != nil {
		return nil, err
	}

	out := &models.LLMResponse{
		Model:    string(msg.Model),
		Provider: models.ProviderAnthropic,
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		FinishReason:       string(msg.StopReason),
		ProviderResponseID: msg.ID,
		Attempts:           attempts,
		CreatedAt:          time.Now().UTC(),
	}
	out.CostEstimate = p.EstimateCost(out.Usage.InputTokens, out.Usage.OutputTokens, model)

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			args, err := json.Marshal(toolUse.Input)
			if err != nil {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: args,
			})
		}
	}
	out.Content = text.String()

	out.Raw = []byte(msg.RawJSON())
	if payload, err := json.Marshal(params); err == nil {
		out.RequestPayload = payload
	}
	return out, nil
}

// GenerateObject produces schema-validated JSON via prompt injection; the
// Messages API has no schema-constrained output mode.
func (p *AnthropicProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	return generateObjectViaPrompt(ctx, p, req, s)
}

// EstimateCost prices the given token counts against the static rate table.
func (p *AnthropicProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.rates.Estimate(promptTokens, completionTokens, model)
}

func (p *AnthropicProvider) buildParams(model string, req *Request) (anthropic.MessageNewParams, error) {
	system, rest := SplitSystem(req.Messages)

	messages, err := toAnthropicMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := 4096
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		maxTokens = *req.MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// toAnthropicMessages converts canonical messages to content-block form.
// Tool results become user-role tool_result blocks; assistant tool calls
// become tool_use blocks.
func toAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			// Out-of-band system prompts only; trailing system messages
			// are not representable and get folded into user content.
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool || msg.Role == models.RoleFunction {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, llmerrors.Validation("invalid tool call arguments", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &inputSchema); err != nil {
			return nil, llmerrors.Validation("invalid tool schema for "+tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if param.OfTool == nil {
			return nil, llmerrors.Validation("invalid tool schema for "+tool.Name, nil)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

// mapError translates SDK errors into the canonical taxonomy, preserving
// the vendor retry-after hint for rate limits.
func (p *AnthropicProvider) mapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		mapped := &llmerrors.Error{
			Kind:     llmerrors.ClassifyStatus(apiErr.StatusCode),
			Provider: "anthropic",
			Model:    model,
			Status:   apiErr.StatusCode,
			Message:  anthropicErrorMessage(apiErr),
			Cause:    err,
		}
		if mapped.Kind == llmerrors.KindRateLimit && apiErr.Response != nil {
			if secs, parseErr := strconv.Atoi(apiErr.Response.Header.Get("retry-after")); parseErr == nil && secs > 0 {
				mapped.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return mapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.Timeout("anthropic", err)
	}
	return llmerrors.Wrap("anthropic", model, err)
}

func anthropicErrorMessage(apiErr *anthropic.Error) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if raw := apiErr.RawJSON(); raw != "" {
		if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
			return payload.Error.Message
		}
	}
	return "anthropic request failed"
}
