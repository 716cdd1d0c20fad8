package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a canonical LLM message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the canonical values.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction, RoleTool:
		return true
	}
	return false
}

// Message is the canonical role-tagged message accepted by the LLM service
// and translated by provider adapters into vendor payloads.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name carries the tool name for tool-role messages.
	Name string `json:"name,omitempty"`

	// ToolCalls holds tool invocations requested by an assistant turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a tool-role message answering the given call.
func ToolMessage(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
}

// Conversation is a persisted transcript thread.
type Conversation struct {
	ID            string                `json:"id"`
	UserID        *int64                `json:"user_id,omitempty"`
	Type          string                `json:"type"`
	Title         string                `json:"title,omitempty"`
	Status        ConversationStatus    `json:"status"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	MessageCount  int                   `json:"message_count"`
	Messages      []ConversationMessage `json:"messages,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	LastMessageAt *time.Time            `json:"last_message_at,omitempty"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationClosed   ConversationStatus = "closed"
)

// Valid reports whether the status is a known value.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationArchived, ConversationClosed:
		return true
	}
	return false
}

// ConversationMessage is one persisted turn of a conversation. Ordinals are
// 1-based and dense within the parent conversation.
type ConversationMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Ordinal        int            `json:"ordinal"`
	LLMRequestID   *string        `json:"llm_request_id,omitempty"`
	TokensUsed     *int           `json:"tokens_used,omitempty"`
	CostEstimate   *float64       `json:"cost_estimate,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
