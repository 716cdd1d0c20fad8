package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// scriptedLLM replays a fixed sequence of responses and captures the
// messages of each call.
type scriptedLLM struct {
	responses []*models.LLMResponse
	calls     [][]models.Message
	err       error
}

func (s *scriptedLLM) GenerateResponse(ctx context.Context, messages []models.Message, opts llm.Options) (*models.LLMResponse, string, error) {
	captured := make([]models.Message, len(messages))
	copy(captured, messages)
	s.calls = append(s.calls, captured)
	if s.err != nil {
		return nil, "", s.err
	}
	if len(s.responses) == 0 {
		return nil, "", errors.New("script exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, "req-" + string(rune('a'+len(s.calls)-1)), nil
}

func (s *scriptedLLM) GenerateStructured(ctx context.Context, messages []models.Message, sc *schema.Schema, opts llm.Options) (json.RawMessage, *models.LLMResponse, string, error) {
	if s.err != nil {
		return nil, nil, "", s.err
	}
	return json.RawMessage(`{"reply":"noted","urgent":false}`), &models.LLMResponse{
		Usage: models.Usage{TotalTokens: 9},
	}, "req-structured", nil
}

func newTestEngine(llmClient LLMClient) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	return NewEngine(store, llmClient, nil), store
}

func TestTranscriptOrdinalsAreDense(t *testing.T) {
	engine, _ := newTestEngine(&scriptedLLM{})
	ctx := context.Background()

	conv, err := engine.CreateConversation(ctx, "support", nil, "", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := engine.RecordSystemMessage(ctx, conv.ID, "be nice", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.RecordUserMessage(ctx, conv.ID, "hello", nil); err != nil {
		t.Fatal(err)
	}
	msg, err := engine.RecordAssistantMessage(ctx, conv.ID, "hi there", AssistantRecord{TokensUsed: 5})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Ordinal != 3 {
		t.Errorf("expected ordinal 3, got %d", msg.Ordinal)
	}

	history, err := engine.MessageHistory(ctx, conv.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i, m := range history {
		if m.Ordinal != i+1 {
			t.Errorf("message %d has ordinal %d, want dense 1-based ordering", i, m.Ordinal)
		}
	}

	summary, _ := engine.Summary(ctx, conv.ID)
	if summary.MessageCount != 3 {
		t.Errorf("expected message count 3, got %d", summary.MessageCount)
	}
	if summary.LastMessageAt == nil {
		t.Error("last_message_at not set")
	}
}

func TestBuildLLMMessagesFiltersSystemTurns(t *testing.T) {
	engine, _ := newTestEngine(&scriptedLLM{})
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)
	engine.RecordSystemMessage(ctx, conv.ID, "stored system", nil)
	engine.RecordUserMessage(ctx, conv.ID, "question", nil)

	messages, err := engine.BuildLLMMessages(ctx, conv.ID, "fresh prompt", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != models.RoleSystem || messages[0].Content != "fresh prompt" {
		t.Error("system prompt not prepended")
	}
	if messages[1].Role != models.RoleUser {
		t.Error("stored system turn should be filtered")
	}
}

func TestGenerateAssistantResponseRecordsTurn(t *testing.T) {
	client := &scriptedLLM{responses: []*models.LLMResponse{{
		Content:      "the answer",
		Usage:        models.Usage{TotalTokens: 30},
		CostEstimate: 0.003,
	}}}
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)
	engine.RecordUserMessage(ctx, conv.ID, "what is it?", nil)

	msg, requestID, resp, err := engine.GenerateAssistantResponse(ctx, conv.ID, "", llm.Options{})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if resp.Content != "the answer" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if msg.Role != models.RoleAssistant || msg.Content != "the answer" {
		t.Error("assistant turn not recorded")
	}
	if msg.LLMRequestID == nil || *msg.LLMRequestID != requestID {
		t.Error("assistant turn not linked to ledger request")
	}
	if msg.TokensUsed == nil || *msg.TokensUsed != 30 {
		t.Error("assistant turn usage not recorded")
	}
}

func TestToolLoopSingleRound(t *testing.T) {
	client := &scriptedLLM{responses: []*models.LLMResponse{
		{
			ToolCalls: []models.ToolCall{{
				ID:        "call_1",
				Name:      "lookup_order",
				Arguments: json.RawMessage(`{"order_id":"A17"}`),
			}},
			Usage: models.Usage{TotalTokens: 12},
		},
		{
			Content: "Your order ships Tuesday.",
			Usage:   models.Usage{TotalTokens: 25},
		},
	}}
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)
	engine.RecordUserMessage(ctx, conv.ID, "where is my order A17?", nil)

	var handlerArgs string
	tools := []Tool{{
		Name:   "lookup_order",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			handlerArgs = string(args)
			return map[string]any{"eta": "Tuesday"}, nil
		},
	}}

	msg, err := engine.GenerateWithTools(ctx, conv.ID, tools, llm.Options{}, 5)
	if err != nil {
		t.Fatalf("tool loop failed: %v", err)
	}
	if msg.Content != "Your order ships Tuesday." {
		t.Errorf("unexpected final reply %q", msg.Content)
	}
	if handlerArgs != `{"order_id":"A17"}` {
		t.Errorf("handler got args %q", handlerArgs)
	}

	// Second call must carry the assistant tool-call turn and the tool
	// result message.
	if len(client.calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(client.calls))
	}
	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.Name != "lookup_order" {
		t.Errorf("expected trailing tool message, got role %v name %q", last.Role, last.Name)
	}
	if !strings.Contains(last.Content, "Tuesday") {
		t.Errorf("tool result not threaded: %q", last.Content)
	}
	assistantTurn := second[len(second)-2]
	if assistantTurn.Role != models.RoleAssistant || len(assistantTurn.ToolCalls) != 1 {
		t.Error("assistant tool-call turn not threaded")
	}

	// Only the user turn and the final reply land in the transcript.
	history, _ := engine.MessageHistory(ctx, conv.ID, 0, true)
	if len(history) != 2 {
		t.Errorf("expected 2 transcript messages, got %d", len(history))
	}
}

func TestToolLoopHandlerErrorBecomesResult(t *testing.T) {
	client := &scriptedLLM{responses: []*models.LLMResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "flaky", Arguments: json.RawMessage(`{}`)}}},
		{Content: "done despite failure"},
	}}
	engine, _ := newTestEngine(client)
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)
	engine.RecordUserMessage(ctx, conv.ID, "go", nil)

	tools := []Tool{{
		Name: "flaky",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}}

	msg, err := engine.GenerateWithTools(ctx, conv.ID, tools, llm.Options{}, 5)
	if err != nil {
		t.Fatalf("handler error must not abort the loop: %v", err)
	}
	if msg.Content != "done despite failure" {
		t.Errorf("unexpected reply %q", msg.Content)
	}

	second := client.calls[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "backend unavailable") {
		t.Errorf("handler error not stringified into tool result: %q", last.Content)
	}
}

func TestToolLoopUnknownToolAndExhaustion(t *testing.T) {
	t.Run("unknown tool becomes error result", func(t *testing.T) {
		client := &scriptedLLM{responses: []*models.LLMResponse{
			{ToolCalls: []models.ToolCall{{ID: "c1", Name: "ghost", Arguments: json.RawMessage(`{}`)}}},
			{Content: "ok"},
		}}
		engine, _ := newTestEngine(client)
		ctx := context.Background()
		conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)
		engine.RecordUserMessage(ctx, conv.ID, "go", nil)

		if _, err := engine.GenerateWithTools(ctx, conv.ID, nil, llm.Options{}, 5); err != nil {
			t.Fatalf("loop failed: %v", err)
		}
		last := client.calls[1][len(client.calls[1])-1]
		if !strings.Contains(last.Content, "not found") {
			t.Errorf("unknown tool not reported in result: %q", last.Content)
		}
	})

	t.Run("exhausting iterations raises execution error", func(t *testing.T) {
		toolCall := []models.ToolCall{{ID: "c", Name: "loop", Arguments: json.RawMessage(`{}`)}}
		client := &scriptedLLM{responses: []*models.LLMResponse{
			{ToolCalls: toolCall}, {ToolCalls: toolCall}, {ToolCalls: toolCall},
		}}
		engine, _ := newTestEngine(client)
		ctx := context.Background()
		conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)
		engine.RecordUserMessage(ctx, conv.ID, "go", nil)

		tools := []Tool{{
			Name: "loop",
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return "again", nil
			},
		}}
		_, err := engine.GenerateWithTools(ctx, conv.ID, tools, llm.Options{}, 3)
		if err == nil {
			t.Fatal("expected exhaustion error")
		}
		if llmerrors.KindOf(err) != llmerrors.KindExecution {
			t.Errorf("expected execution kind, got %v", llmerrors.KindOf(err))
		}
	})
}

func TestStructuredReplyIsNotRecorded(t *testing.T) {
	engine, _ := newTestEngine(&scriptedLLM{})
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "triage", nil, "", nil)
	engine.RecordUserMessage(ctx, conv.ID, "my printer is on fire", nil)

	sc, err := schema.Compile("triage", json.RawMessage(`{
		"type": "object",
		"properties": {"reply": {"type": "string"}, "urgent": {"type": "boolean"}}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	raw, requestID, _, err := engine.GenerateStructuredReply(ctx, conv.ID, sc, "", llm.Options{})
	if err != nil {
		t.Fatalf("structured reply failed: %v", err)
	}
	if requestID == "" {
		t.Error("expected request id")
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("reply not valid JSON: %v", err)
	}

	history, _ := engine.MessageHistory(ctx, conv.ID, 0, true)
	if len(history) != 1 {
		t.Errorf("structured reply must not be auto-recorded, transcript has %d messages", len(history))
	}
}

func TestUpdateMetadataMergeAndReplace(t *testing.T) {
	engine, _ := newTestEngine(&scriptedLLM{})
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "support", nil, "", map[string]any{"tier": "gold", "lang": "en"})

	if err := engine.UpdateMetadata(ctx, conv.ID, map[string]any{"lang": "pt"}, true); err != nil {
		t.Fatal(err)
	}
	got, _ := engine.Summary(ctx, conv.ID)
	if got.Metadata["tier"] != "gold" || got.Metadata["lang"] != "pt" {
		t.Errorf("merge failed: %v", got.Metadata)
	}

	if err := engine.UpdateMetadata(ctx, conv.ID, map[string]any{"only": "this"}, false); err != nil {
		t.Fatal(err)
	}
	got, _ = engine.Summary(ctx, conv.ID)
	if len(got.Metadata) != 1 || got.Metadata["only"] != "this" {
		t.Errorf("replace failed: %v", got.Metadata)
	}
}

func TestWithConversationTypeCheck(t *testing.T) {
	engine, _ := newTestEngine(&scriptedLLM{})
	ctx := context.Background()

	conv, _ := engine.CreateConversation(ctx, "support", nil, "", nil)

	err := engine.WithConversation(ctx, conv.ID, "support", func(ctx context.Context, c *models.Conversation) error {
		sc, ok := FromContext(ctx)
		if !ok {
			t.Error("session context not bound")
		} else if sc.ConversationID != conv.ID {
			t.Error("session bound to wrong conversation")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	err = engine.WithConversation(ctx, conv.ID, "sales", func(ctx context.Context, c *models.Conversation) error {
		t.Error("body must not run on type mismatch")
		return nil
	})
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
	if llmerrors.KindOf(err) != llmerrors.KindValidation {
		t.Errorf("expected validation kind, got %v", llmerrors.KindOf(err))
	}
}
