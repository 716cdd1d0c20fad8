// Package ledger persists the durable record of every provider call. One
// row is written per logical generation as the caller sees it; adapter-side
// retries update the retry counter on the same row rather than multiplying
// rows.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrNotFound is returned when a request id has no ledger row.
var ErrNotFound = errors.New("ledger: request not found")

// SuccessUpdate carries the terminal fields of a completed generation.
type SuccessUpdate struct {
	Content            string
	Raw                json.RawMessage
	RequestPayload     json.RawMessage
	InputTokens        int
	OutputTokens       int
	TotalTokens        int
	CostEstimate       float64
	FinishReason       string
	ProviderResponseID string
	SystemFingerprint  string
	ResponseCreatedAt  time.Time
	ExecutionTimeMS    int64
	RetryAttempt       int
	Cached             bool
}

// ErrorUpdate carries the terminal fields of a failed generation.
type ErrorUpdate struct {
	Message         string
	Type            string
	ExecutionTimeMS int64
	RetryAttempt    int
}

// Store is the persistence surface for LLMRequest rows.
type Store interface {
	// Create inserts the row in pending state, generating the id when
	// empty. The generated id is written back to the row.
	Create(ctx context.Context, req *models.LLMRequest) error

	// UpdateSuccess transitions the row to completed.
	UpdateSuccess(ctx context.Context, id string, upd SuccessUpdate) error

	// UpdateError transitions the row to failed.
	UpdateError(ctx context.Context, id string, upd ErrorUpdate) error

	// AssignUser late-binds ownership. Idempotent; assigning the same
	// user twice is a no-op.
	AssignUser(ctx context.Context, id string, userID int64) error

	ByID(ctx context.Context, id string) (*models.LLMRequest, error)
	ByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.LLMRequest, error)
	ByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.LLMRequest, error)
	ByProvider(ctx context.Context, provider models.Provider, limit, offset int) ([]*models.LLMRequest, error)
	Recent(ctx context.Context, limit, offset int) ([]*models.LLMRequest, error)

	CountAll(ctx context.Context) (int64, error)
	CountByUser(ctx context.Context, userID int64) (int64, error)
	CountByStatus(ctx context.Context, status models.RequestStatus) (int64, error)

	Close() error
}

func normalizeWindow(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
