package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// chatCore is the shared chat-completion engine behind every adapter that
// speaks the OpenAI wire protocol (openai, azure, openrouter, venice). The
// concrete adapters own naming, pricing, and whatever extra endpoints their
// vendor exposes.
type chatCore struct {
	client       *openai.Client
	name         models.Provider
	defaultModel string
	base         Base
	rates        RateTable
}

func (c *chatCore) buildChatRequest(req *Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = *req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}
	applyOpenAIExtras(&chatReq, req.Extra)
	return chatReq, nil
}

func (c *chatCore) doChat(ctx context.Context, req *Request, chatReq openai.ChatCompletionRequest) (*models.LLMResponse, error) {
	callCtx, cancel := c.base.CallContext(ctx, req.Timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	attempts, err := c.base.Retry(callCtx, func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(callCtx, chatReq)
		return c.mapError(callErr, chatReq.Model)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, llmerrors.ProviderFailure(string(c.name), chatReq.Model, 0, errors.New("completion contained no choices"))
	}

	choice := resp.Choices[0]
	out := &models.LLMResponse{
		Content:  choice.Message.Content,
		Model:    resp.Model,
		Provider: c.name,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		FinishReason:       string(choice.FinishReason),
		ProviderResponseID: resp.ID,
		SystemFingerprint:  resp.SystemFingerprint,
		Attempts:           attempts,
		CreatedAt:          time.Unix(resp.Created, 0).UTC(),
	}
	out.CostEstimate = c.rates.Estimate(out.Usage.InputTokens, out.Usage.OutputTokens, chatReq.Model)

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	if payload, err := json.Marshal(chatReq); err == nil {
		out.RequestPayload = payload
	}
	return out, nil
}

func (c *chatCore) generate(ctx context.Context, req *Request) (*models.LLMResponse, error) {
	chatReq, err := c.buildChatRequest(req)
	if err != nil {
		return nil, err
	}
	return c.doChat(ctx, req, chatReq)
}

// generateObjectNative requests schema-constrained output via the
// json_schema response format, then validates the document locally.
func (c *chatCore) generateObjectNative(ctx context.Context, req *Request, s *schema.Schema) (json.RawMessage, *models.LLMResponse, error) {
	chatReq, err := c.buildChatRequest(req)
	if err != nil {
		return nil, nil, err
	}
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   s.Name,
			Schema: s.Raw,
			Strict: false,
		},
	}

	resp, err := c.doChat(ctx, req, chatReq)
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

// mapError translates go-openai errors into the canonical taxonomy.
func (c *chatCore) mapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Kind:     llmerrors.ClassifyStatus(apiErr.HTTPStatusCode),
			Provider: string(c.name),
			Model:    model,
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.Timeout(string(c.name), err)
	}
	return llmerrors.Wrap(string(c.name), model, err)
}

// toOpenAIMessages converts canonical messages to the chat wire shape.
// Tool-role messages map to role "tool" with the originating call id.
func toOpenAIMessages(messages []models.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if !msg.Role.Valid() {
			return nil, llmerrors.Validation(fmt.Sprintf("unknown message role %q", msg.Role), nil)
		}
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.RoleTool:
			oaiMsg.ToolCallID = msg.ToolCallID
			oaiMsg.Name = msg.Name
		case models.RoleFunction:
			oaiMsg.Name = msg.Name
		}
		result = append(result, oaiMsg)
	}
	return result, nil
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// applyOpenAIExtras maps recognized override keys onto the request.
// Unrecognized keys are ignored (they are still persisted to the ledger).
func applyOpenAIExtras(req *openai.ChatCompletionRequest, extra map[string]any) {
	for key, val := range extra {
		switch key {
		case "top_p":
			if f, ok := toFloat(val); ok {
				req.TopP = float32(f)
			}
		case "frequency_penalty":
			if f, ok := toFloat(val); ok {
				req.FrequencyPenalty = float32(f)
			}
		case "presence_penalty":
			if f, ok := toFloat(val); ok {
				req.PresencePenalty = float32(f)
			}
		case "seed":
			if f, ok := toFloat(val); ok {
				seed := int(f)
				req.Seed = &seed
			}
		case "user":
			if s, ok := val.(string); ok {
				req.User = s
			}
		case "stop":
			switch v := val.(type) {
			case string:
				req.Stop = []string{v}
			case []string:
				req.Stop = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						req.Stop = append(req.Stop, s)
					}
				}
			}
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
