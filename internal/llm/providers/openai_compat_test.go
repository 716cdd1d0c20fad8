package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/pkg/models"
)

func TestToOpenAIMessages(t *testing.T) {
	t.Run("round trips roles and content", func(t *testing.T) {
		msgs := []models.Message{
			models.SystemMessage("be terse"),
			models.UserMessage("hello"),
			models.AssistantMessage("hi"),
		}
		got, err := toOpenAIMessages(msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(got))
		}
		if got[0].Role != "system" || got[1].Role != "user" || got[2].Role != "assistant" {
			t.Errorf("roles not preserved: %v %v %v", got[0].Role, got[1].Role, got[2].Role)
		}
	})

	t.Run("assistant tool calls carry id name and arguments", func(t *testing.T) {
		msgs := []models.Message{
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call_1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)},
				},
			},
		}
		got, err := toOpenAIMessages(msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got[0].ToolCalls) != 1 {
			t.Fatalf("expected 1 tool call, got %d", len(got[0].ToolCalls))
		}
		tc := got[0].ToolCalls[0]
		if tc.ID != "call_1" || tc.Function.Name != "lookup" || tc.Function.Arguments != `{"q":"x"}` {
			t.Errorf("tool call not converted: %+v", tc)
		}
	})

	t.Run("tool result maps to tool role with call id", func(t *testing.T) {
		call := models.ToolCall{ID: "call_9", Name: "lookup"}
		msgs := []models.Message{models.ToolMessage(call, "result text")}
		got, err := toOpenAIMessages(msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got[0].Role != "tool" || got[0].ToolCallID != "call_9" || got[0].Content != "result text" {
			t.Errorf("tool result not converted: %+v", got[0])
		}
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		msgs := []models.Message{{Role: models.Role("narrator"), Content: "x"}}
		if _, err := toOpenAIMessages(msgs); err == nil {
			t.Fatal("expected error for unknown role")
		}
	})
}

func TestApplyOpenAIExtras(t *testing.T) {
	req := openai.ChatCompletionRequest{}
	applyOpenAIExtras(&req, map[string]any{
		"top_p":             0.9,
		"seed":              float64(42), // JSON numbers decode as float64
		"user":              "u-1",
		"stop":              []any{"END"},
		"unknown_knob":      "ignored",
		"frequency_penalty": 0.5,
	})

	if req.TopP != 0.9 {
		t.Errorf("top_p not applied: %v", req.TopP)
	}
	if req.Seed == nil || *req.Seed != 42 {
		t.Errorf("seed not applied: %v", req.Seed)
	}
	if req.User != "u-1" {
		t.Errorf("user not applied: %v", req.User)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop not applied: %v", req.Stop)
	}
	if req.FrequencyPenalty != 0.5 {
		t.Errorf("frequency_penalty not applied: %v", req.FrequencyPenalty)
	}
}

func TestSplitSystem(t *testing.T) {
	t.Run("extracts leading system message", func(t *testing.T) {
		system, rest := SplitSystem([]models.Message{
			models.SystemMessage("rules"),
			models.UserMessage("hi"),
		})
		if system != "rules" {
			t.Errorf("expected system prompt, got %q", system)
		}
		if len(rest) != 1 || rest[0].Role != models.RoleUser {
			t.Errorf("rest not preserved: %+v", rest)
		}
	})

	t.Run("no system message", func(t *testing.T) {
		system, rest := SplitSystem([]models.Message{models.UserMessage("hi")})
		if system != "" {
			t.Errorf("expected empty system, got %q", system)
		}
		if len(rest) != 1 {
			t.Errorf("expected 1 message, got %d", len(rest))
		}
	})

	t.Run("mid-transcript system message stays in place", func(t *testing.T) {
		system, rest := SplitSystem([]models.Message{
			models.UserMessage("hi"),
			models.SystemMessage("late rules"),
		})
		if system != "" {
			t.Errorf("expected empty system, got %q", system)
		}
		if len(rest) != 2 {
			t.Errorf("expected both messages kept, got %d", len(rest))
		}
	})
}
