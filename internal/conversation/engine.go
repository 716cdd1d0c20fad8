// Package conversation maintains append-only transcripts and drives the
// LLM service against them: plain assistant replies, serial tool-calling
// loops, and structured replies. Ordinals are 1-based and dense within a
// conversation.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/llm/providers"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// DefaultMaxToolIterations bounds the tool-calling loop.
const DefaultMaxToolIterations = 5

// LLMClient is the slice of the LLM service the engine drives. Satisfied
// by *llm.Service.
type LLMClient interface {
	GenerateResponse(ctx context.Context, messages []models.Message, opts llm.Options) (*models.LLMResponse, string, error)
	GenerateStructured(ctx context.Context, messages []models.Message, sc *schema.Schema, opts llm.Options) (json.RawMessage, *models.LLMResponse, string, error)
}

// Tool couples a tool's wire declaration with its local handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     func(ctx context.Context, args json.RawMessage) (any, error)
}

// AssistantRecord carries the accounting attached to a recorded assistant
// message.
type AssistantRecord struct {
	LLMRequestID string
	TokensUsed   int
	CostEstimate float64
	Metadata     map[string]any
}

// Engine orchestrates transcripts against the store and the LLM service.
type Engine struct {
	store  Store
	llm    LLMClient
	logger *observability.Logger
}

// NewEngine creates a conversation engine.
func NewEngine(store Store, client LLMClient, logger *observability.Logger) *Engine {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Engine{store: store, llm: client, logger: logger}
}

// CreateConversation starts a new transcript of the given type.
func (e *Engine) CreateConversation(ctx context.Context, convType string, userID *int64, title string, metadata map[string]any) (*models.Conversation, error) {
	if convType == "" {
		return nil, llmerrors.Validation("conversation type is required", nil)
	}
	conv := &models.Conversation{
		Type:     convType,
		UserID:   userID,
		Title:    title,
		Metadata: metadata,
		Status:   models.ConversationActive,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// RecordUserMessage appends a user turn.
func (e *Engine) RecordUserMessage(ctx context.Context, conversationID, content string, metadata map[string]any) (*models.ConversationMessage, error) {
	return e.record(ctx, conversationID, models.RoleUser, content, AssistantRecord{Metadata: metadata})
}

// RecordSystemMessage appends a system turn.
func (e *Engine) RecordSystemMessage(ctx context.Context, conversationID, content string, metadata map[string]any) (*models.ConversationMessage, error) {
	return e.record(ctx, conversationID, models.RoleSystem, content, AssistantRecord{Metadata: metadata})
}

// RecordAssistantMessage appends an assistant turn with its ledger link and
// usage figures.
func (e *Engine) RecordAssistantMessage(ctx context.Context, conversationID, content string, rec AssistantRecord) (*models.ConversationMessage, error) {
	return e.record(ctx, conversationID, models.RoleAssistant, content, rec)
}

func (e *Engine) record(ctx context.Context, conversationID string, role models.Role, content string, rec AssistantRecord) (*models.ConversationMessage, error) {
	msg := &models.ConversationMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       rec.Metadata,
	}
	if rec.LLMRequestID != "" {
		id := rec.LLMRequestID
		msg.LLMRequestID = &id
	}
	if rec.TokensUsed > 0 {
		tokens := rec.TokensUsed
		msg.TokensUsed = &tokens
	}
	if rec.CostEstimate > 0 {
		cost := rec.CostEstimate
		msg.CostEstimate = &cost
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Summary returns the conversation row without its messages.
func (e *Engine) Summary(ctx context.Context, id string) (*models.Conversation, error) {
	return e.store.ConversationByID(ctx, id)
}

// Get returns the conversation with its full transcript attached.
func (e *Engine) Get(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := e.store.ConversationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := e.store.Messages(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

// MessageHistory returns the newest messages in ordinal order. When limit
// is zero the whole transcript returns; system turns are filtered out
// unless includeSystem is set.
func (e *Engine) MessageHistory(ctx context.Context, id string, limit int, includeSystem bool) ([]models.ConversationMessage, error) {
	msgs, err := e.store.Messages(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if includeSystem {
		return msgs, nil
	}
	filtered := msgs[:0]
	for _, m := range msgs {
		if m.Role != models.RoleSystem {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// BuildLLMMessages converts the transcript into canonical messages,
// optionally prepending a system prompt. Stored system turns are excluded
// unless includeSystem is set.
func (e *Engine) BuildLLMMessages(ctx context.Context, id, systemPrompt string, includeSystem bool) ([]models.Message, error) {
	history, err := e.MessageHistory(ctx, id, 0, includeSystem)
	if err != nil {
		return nil, err
	}
	var messages []models.Message
	if systemPrompt != "" {
		messages = append(messages, models.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		messages = append(messages, models.Message{Role: m.Role, Content: m.Content})
	}
	return messages, nil
}

// UpdateMetadata patches the conversation metadata. With merge the patch is
// folded into the existing map key by key; otherwise it replaces it.
func (e *Engine) UpdateMetadata(ctx context.Context, id string, patch map[string]any, merge bool) error {
	if !merge {
		return e.store.SetMetadata(ctx, id, patch)
	}
	conv, err := e.store.ConversationByID(ctx, id)
	if err != nil {
		return err
	}
	merged := conv.Metadata
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		merged[k] = v
	}
	return e.store.SetMetadata(ctx, id, merged)
}

// UpdateTitle sets the conversation title.
func (e *Engine) UpdateTitle(ctx context.Context, id, title string) error {
	return e.store.SetTitle(ctx, id, title)
}

// UpdateStatus transitions the conversation lifecycle state.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	if !status.Valid() {
		return llmerrors.Validation(fmt.Sprintf("invalid conversation status %q", status), nil)
	}
	return e.store.SetStatus(ctx, id, status)
}

// GenerateAssistantResponse builds the transcript messages, generates a
// reply, and records it as an assistant turn.
func (e *Engine) GenerateAssistantResponse(ctx context.Context, conversationID, systemPrompt string, opts llm.Options) (*models.ConversationMessage, string, *models.LLMResponse, error) {
	ctx = observability.WithConversationID(ctx, conversationID)
	messages, err := e.BuildLLMMessages(ctx, conversationID, systemPrompt, false)
	if err != nil {
		return nil, "", nil, err
	}

	resp, requestID, err := e.llm.GenerateResponse(ctx, messages, opts)
	if err != nil {
		return nil, requestID, nil, err
	}

	msg, err := e.RecordAssistantMessage(ctx, conversationID, resp.Content, AssistantRecord{
		LLMRequestID: requestID,
		TokensUsed:   resp.Usage.TotalTokens,
		CostEstimate: resp.CostEstimate,
	})
	if err != nil {
		return nil, requestID, resp, err
	}
	return msg, requestID, resp, nil
}

// GenerateWithTools runs the serial tool-calling loop: each iteration is
// one assistant turn; emitted tool calls are executed in order and their
// results appended as tool messages. A handler error is not raised; its
// string form becomes the tool result and the loop continues. Only the
// final plain assistant reply is recorded in the transcript.
func (e *Engine) GenerateWithTools(ctx context.Context, conversationID string, tools []Tool, opts llm.Options, maxIterations int) (*models.ConversationMessage, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxToolIterations
	}
	ctx = observability.WithConversationID(ctx, conversationID)

	byName := make(map[string]Tool, len(tools))
	specs := make([]providers.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
		specs = append(specs, providers.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	opts.Tools = specs

	messages, err := e.BuildLLMMessages(ctx, conversationID, "", false)
	if err != nil {
		return nil, err
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, requestID, err := e.llm.GenerateResponse(ctx, messages, opts)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return e.RecordAssistantMessage(ctx, conversationID, resp.Content, AssistantRecord{
				LLMRequestID: requestID,
				TokensUsed:   resp.Usage.TotalTokens,
				CostEstimate: resp.CostEstimate,
			})
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, models.ToolMessage(call, e.executeTool(ctx, byName, call)))
		}
	}
	return nil, llmerrors.Execution(
		fmt.Sprintf("tool loop exceeded %d iterations", maxIterations))
}

// executeTool runs one tool call and returns its JSON-encoded result.
func (e *Engine) executeTool(ctx context.Context, byName map[string]Tool, call models.ToolCall) string {
	tool, known := byName[call.Name]
	if !known {
		return toolErrorJSON(fmt.Sprintf("tool %s not found", call.Name))
	}

	result, err := tool.Handler(ctx, call.Arguments)
	if err != nil {
		e.logger.Warn(ctx, "tool handler failed", "tool", call.Name, "error", err)
		return toolErrorJSON(err.Error())
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return toolErrorJSON(fmt.Sprintf("tool result not encodable: %v", err))
	}
	return string(encoded)
}

func toolErrorJSON(msg string) string {
	encoded, _ := json.Marshal(map[string]string{"error": msg})
	return string(encoded)
}

// GenerateStructuredReply produces a schema-constrained reply. The result
// is not recorded in the transcript: structured replies carry control
// fields that are not part of the utterance, so the caller records whatever
// text field applies.
func (e *Engine) GenerateStructuredReply(ctx context.Context, conversationID string, sc *schema.Schema, systemPrompt string, opts llm.Options) (json.RawMessage, string, *models.LLMResponse, error) {
	ctx = observability.WithConversationID(ctx, conversationID)
	messages, err := e.BuildLLMMessages(ctx, conversationID, systemPrompt, false)
	if err != nil {
		return nil, "", nil, err
	}
	raw, resp, requestID, err := e.llm.GenerateStructured(ctx, messages, sc, opts)
	return raw, requestID, resp, err
}
