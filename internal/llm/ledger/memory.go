package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// MemoryStore keeps ledger rows in memory. Used by tests and by callers
// that run without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*models.LLMRequest
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*models.LLMRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *models.LLMRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.rows[req.ID] = &clone
	return nil
}

func (s *MemoryStore) UpdateSuccess(ctx context.Context, id string, upd SuccessUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	content := upd.Content
	row.ResponseContent = &content
	row.ResponseRaw = upd.Raw
	row.RequestPayload = upd.RequestPayload
	inTok, outTok, total := upd.InputTokens, upd.OutputTokens, upd.TotalTokens
	row.InputTokens = &inTok
	row.OutputTokens = &outTok
	row.TokensUsed = &total
	cost := upd.CostEstimate
	row.CostEstimate = &cost
	if upd.FinishReason != "" {
		fr := upd.FinishReason
		row.FinishReason = &fr
	}
	if upd.ProviderResponseID != "" {
		id := upd.ProviderResponseID
		row.ProviderResponseID = &id
	}
	if upd.SystemFingerprint != "" {
		fp := upd.SystemFingerprint
		row.SystemFingerprint = &fp
	}
	if !upd.ResponseCreatedAt.IsZero() {
		t := upd.ResponseCreatedAt
		row.ResponseCreatedAt = &t
	}
	elapsed := upd.ExecutionTimeMS
	row.ExecutionTimeMS = &elapsed
	row.RetryAttempt = upd.RetryAttempt
	row.Cached = upd.Cached
	row.Status = models.RequestCompleted
	return nil
}

func (s *MemoryStore) UpdateError(ctx context.Context, id string, upd ErrorUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	msg := upd.Message
	row.ErrorMessage = &msg
	if upd.Type != "" {
		typ := upd.Type
		row.ErrorType = &typ
	}
	elapsed := upd.ExecutionTimeMS
	row.ExecutionTimeMS = &elapsed
	row.RetryAttempt = upd.RetryAttempt
	row.Status = models.RequestFailed
	return nil
}

func (s *MemoryStore) AssignUser(ctx context.Context, id string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.UserID != nil && *row.UserID != userID {
		return ErrNotFound
	}
	row.UserID = &userID
	return nil
}

func (s *MemoryStore) ByID(ctx context.Context, id string) (*models.LLMRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *MemoryStore) ByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.LLMRequest, error) {
	return s.filter(limit, offset, func(r *models.LLMRequest) bool {
		return r.UserID != nil && *r.UserID == userID
	}), nil
}

func (s *MemoryStore) ByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.LLMRequest, error) {
	return s.filter(limit, offset, func(r *models.LLMRequest) bool {
		return r.Status == status
	}), nil
}

func (s *MemoryStore) ByProvider(ctx context.Context, provider models.Provider, limit, offset int) ([]*models.LLMRequest, error) {
	return s.filter(limit, offset, func(r *models.LLMRequest) bool {
		return r.Provider == provider
	}), nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit, offset int) ([]*models.LLMRequest, error) {
	return s.filter(limit, offset, func(*models.LLMRequest) bool { return true }), nil
}

func (s *MemoryStore) CountAll(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

func (s *MemoryStore) CountByUser(ctx context.Context, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.rows {
		if r.UserID != nil && *r.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, status models.RequestStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.rows {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// filter returns matching rows newest first.
func (s *MemoryStore) filter(limit, offset int, keep func(*models.LLMRequest) bool) []*models.LLMRequest {
	limit, offset = normalizeWindow(limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.LLMRequest
	for _, r := range s.rows {
		if keep(r) {
			clone := *r
			matched = append(matched, &clone)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}
