package providers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// bedrockRates prices the commonly deployed Bedrock models, USD per million
// tokens. Claude rates track the Anthropic first-party table.
var bedrockRates = RateTable{
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1M: 3.0, OutputPer1M: 15.0},
	"anthropic.claude-3-sonnet-20240229-v1:0":   {InputPer1M: 3.0, OutputPer1M: 15.0},
	"anthropic.claude-3-opus-20240229-v1:0":     {InputPer1M: 15.0, OutputPer1M: 75.0},
	"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"amazon.titan-text-express-v1":              {InputPer1M: 0.20, OutputPer1M: 0.60},
	"meta.llama3-70b-instruct-v1:0":             {InputPer1M: 2.65, OutputPer1M: 3.50},
	"mistral.mixtral-8x7b-instruct-v0:1":        {InputPer1M: 0.45, OutputPer1M: 0.70},
}

// BedrockProvider adapts the canonical interface to AWS Bedrock through the
// Converse API, which normalizes the hosted model families behind one wire
// shape. Credentials resolve through the standard AWS chain unless static
// keys are configured.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
	base         Base
	rates        RateTable
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	// Region selects the AWS region. Default: us-east-1.
	Region string

	// AccessKeyID and SecretAccessKey override the default credential
	// chain when both are set.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewBedrockProvider creates a Bedrock adapter.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, llmerrors.Configuration("bedrock: failed to load AWS config: " + err.Error())
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
		base:         NewBase("bedrock", cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout),
		rates:        bedrockRates,
	}, nil
}

// Name returns the provider identifier.
func (p *BedrockProvider) Name() models.Provider {
	return models.ProviderBedrock
}

// GenerateResponse performs one Converse call with retry.
func (p *BedrockProvider) GenerateResponse(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input, err := p.buildConverseInput(model, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := p.base.CallContext(ctx, req.Timeout)
	defer cancel()

	var out *bedrockruntime.ConverseOutput
	attempts, err := p.base.Retry(callCtx, func() error {
		var callErr error
		out, callErr = p.client.Converse(callCtx, input)
		return p.mapError(callErr, model)
	})
	if err != nil {
		return nil, err
	}

	resp := &models.LLMResponse{
		Model:        model,
		Provider:     models.ProviderBedrock,
		FinishReason: string(out.StopReason),
		Attempts:     attempts,
		CreatedAt:    time.Now().UTC(),
	}
	if out.Usage != nil {
		resp.Usage = models.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	resp.CostEstimate = p.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens, model)

	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				args := json.RawMessage("{}")
				if b.Value.Input != nil {
					if data, marshalErr := b.Value.Input.MarshalSmithyDocument(); marshalErr == nil {
						args = data
					}
				}
				resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: args,
				})
			}
		}
		resp.Content = text.String()
	}

	if raw, err := json.Marshal(out); err == nil {
		resp.Raw = raw
	}
	// The Converse input embeds smithy documents that do not round-trip
	// through encoding/json, so the canonical request is the audit record.
	if payload, err := json.Marshal(req); err == nil {
		resp.RequestPayload = payload
	}
	return resp, nil
}

// GenerateObject produces schema-validated JSON via prompt injection; the
// Converse API has no schema-constrained output mode.
func (p *BedrockProvider) GenerateObject(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	return generateObjectViaPrompt(ctx, p, req, s)
}

// EstimateCost prices the given token counts against the static rate table.
func (p *BedrockProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return p.rates.Estimate(promptTokens, completionTokens, model)
}

func (p *BedrockProvider) buildConverseInput(model string, req *Request) (*bedrockruntime.ConverseInput, error) {
	system, rest := SplitSystem(req.Messages)

	messages, err := toBedrockMessages(rest)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		maxTokens := min(*req.MaxOutputTokens, math.MaxInt32)
		inference.MaxTokens = aws.Int32(int32(maxTokens))
		configured = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		toolConfig, err := toBedrockTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolConfig
	}
	return input, nil
}

func toBedrockMessages(messages []models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock

		switch msg.Role {
		case models.RoleTool, models.RoleFunction:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: content,
			})
			continue
		}

		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var inputDoc map[string]any
			if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
				return nil, llmerrors.Validation("invalid tool call arguments", err)
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{
			Role:    role,
			Content: content,
		})
	}
	return result, nil
}

func toBedrockTools(tools []ToolSpec) (*types.ToolConfiguration, error) {
	config := &types.ToolConfiguration{}
	for _, tool := range tools {
		var schemaDoc map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaDoc); err != nil {
			return nil, llmerrors.Validation("invalid tool schema for "+tool.Name, err)
		}
		spec := types.ToolSpecification{
			Name: aws.String(tool.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{
				Value: document.NewLazyDocument(schemaDoc),
			},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		config.Tools = append(config.Tools, &types.ToolMemberToolSpec{Value: spec})
	}
	return config, nil
}

// mapError translates the typed Bedrock exceptions into the canonical
// taxonomy, falling back to message-based classification.
func (p *BedrockProvider) mapError(err error, model string) error {
	if err == nil {
		return nil
	}

	kind := llmerrors.KindProvider
	status := 0
	var (
		throttled   *types.ThrottlingException
		validation  *types.ValidationException
		denied      *types.AccessDeniedException
		modelTimout *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
		notReady    *types.ModelNotReadyException
	)
	switch {
	case errors.As(err, &throttled):
		kind, status = llmerrors.KindRateLimit, 429
	case errors.As(err, &validation):
		kind, status = llmerrors.KindValidation, 400
	case errors.As(err, &denied):
		kind, status = llmerrors.KindAuthentication, 403
	case errors.As(err, &modelTimout):
		kind, status = llmerrors.KindTimeout, 408
	case errors.As(err, &unavailable), errors.As(err, &notReady):
		kind, status = llmerrors.KindProvider, 503
	case errors.As(err, &internal):
		kind, status = llmerrors.KindProvider, 500
	case errors.Is(err, context.DeadlineExceeded):
		return llmerrors.Timeout("bedrock", err)
	default:
		return llmerrors.Wrap("bedrock", model, err)
	}

	return &llmerrors.Error{
		Kind:     kind,
		Provider: "bedrock",
		Model:    model,
		Status:   status,
		Message:  err.Error(),
		Cause:    err,
	}
}
