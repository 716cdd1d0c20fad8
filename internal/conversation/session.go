package conversation

import (
	"context"
	"fmt"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// SessionContext is the per-session binding available to code running
// inside WithConversation.
type SessionContext struct {
	Engine         *Engine
	ConversationID string
	UserID         *int64
	Metadata       map[string]any
}

type sessionKey struct{}

// FromContext returns the bound session context, if any.
func FromContext(ctx context.Context) (*SessionContext, bool) {
	sc, ok := ctx.Value(sessionKey{}).(*SessionContext)
	return sc, ok
}

// WithConversation re-attaches to an existing conversation and runs fn with
// the session context bound. The conversation's stored type must match the
// declared type. The binding is scoped to fn's context, so it is cleared on
// every exit path.
func (e *Engine) WithConversation(ctx context.Context, conversationID, declaredType string, fn func(ctx context.Context, conv *models.Conversation) error) error {
	conv, err := e.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != declaredType {
		return llmerrors.Validation(fmt.Sprintf(
			"conversation %s has type %q, caller declared %q",
			conversationID, conv.Type, declaredType), nil)
	}

	sc := &SessionContext{
		Engine:         e,
		ConversationID: conversationID,
		UserID:         conv.UserID,
		Metadata:       conv.Metadata,
	}
	bound := context.WithValue(observability.WithConversationID(ctx, conversationID), sessionKey{}, sc)
	return fn(bound, conv)
}

// StartConversation creates a conversation and runs fn inside a session
// bound to it.
func (e *Engine) StartConversation(ctx context.Context, convType string, userID *int64, title string, metadata map[string]any, fn func(ctx context.Context, conv *models.Conversation) error) (string, error) {
	conv, err := e.CreateConversation(ctx, convType, userID, title, metadata)
	if err != nil {
		return "", err
	}
	return conv.ID, e.WithConversation(ctx, conv.ID, convType, fn)
}
