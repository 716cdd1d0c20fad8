package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("conversation: not found")

// Store persists conversations and their transcripts. AppendMessage must
// assign ordinals densely: the Nth message of a conversation gets ordinal N
// regardless of concurrent writers.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	ConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]models.ConversationMessage, error)
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	SetMetadata(ctx context.Context, id string, metadata map[string]any) error
	SetTitle(ctx context.Context, id string, title string) error
	SetStatus(ctx context.Context, id string, status models.ConversationStatus) error
	ConversationsByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.Conversation, error)
	Close() error
}

// MemoryStore keeps conversations in memory. Used by tests.
type MemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*models.Conversation
	messages map[string][]models.ConversationMessage
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]models.ConversationMessage),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationActive
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *conv
	clone.Messages = nil
	s.convs[conv.ID] = &clone
	return nil
}

func (s *MemoryStore) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *MemoryStore) Messages(ctx context.Context, conversationID string, limit int) ([]models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[conversationID]
	out := make([]models.ConversationMessage, len(msgs))
	copy(out, msgs)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AppendMessage assigns ordinal message_count+1 and bumps the parent's
// counters under the store lock.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.Ordinal = conv.MessageCount + 1
	conv.MessageCount++
	conv.LastMessageAt = &now
	conv.UpdatedAt = now

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return s.mutate(id, func(conv *models.Conversation) {
		conv.Metadata = metadata
	})
}

func (s *MemoryStore) SetTitle(ctx context.Context, id string, title string) error {
	return s.mutate(id, func(conv *models.Conversation) {
		conv.Title = title
	})
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	return s.mutate(id, func(conv *models.Conversation) {
		conv.Status = status
	})
}

func (s *MemoryStore) ConversationsByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Conversation
	for _, conv := range s.convs {
		if conv.UserID != nil && *conv.UserID == userID {
			clone := *conv
			matched = append(matched, &clone)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) mutate(id string, apply func(*models.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	apply(conv)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}
