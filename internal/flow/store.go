package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrNotFound is returned when a run or step row does not exist.
var ErrNotFound = errors.New("flow: not found")

// StepCompletion carries the terminal fields of a successful step.
type StepCompletion struct {
	Outputs      map[string]any
	TokensUsed   int
	CostEstimate float64
	ElapsedMS    int64
	LLMRequestID string
}

// Store persists flow runs and their step rows.
type Store interface {
	CreateRun(ctx context.Context, run *models.FlowRun) error
	RunByID(ctx context.Context, id string) (*models.FlowRun, error)
	MarkRunRunning(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id string, outputs map[string]any, tokens int, cost float64) error
	FailRun(ctx context.Context, id string, errMsg string) error
	CancelRun(ctx context.Context, id string) error
	UpdateRunProgress(ctx context.Context, id string, progress models.FlowProgress) error
	Heartbeat(ctx context.Context, id string) error
	RunsByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.FlowRun, error)

	CreateStep(ctx context.Context, step *models.FlowStepRun) error
	CompleteStep(ctx context.Context, id string, done StepCompletion) error
	FailStep(ctx context.Context, id string, errMsg string, elapsedMS int64) error
	StepsByRun(ctx context.Context, runID string) ([]*models.FlowStepRun, error)

	Close() error
}

// MemoryStore keeps runs and steps in memory. Used by tests and by callers
// running without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*models.FlowRun
	steps map[string]*models.FlowStepRun
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*models.FlowRun),
		steps: make(map[string]*models.FlowStepRun),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.FlowRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.FlowRunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *MemoryStore) RunByID(ctx context.Context, id string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *MemoryStore) MarkRunRunning(ctx context.Context, id string) error {
	return s.mutateRun(id, func(run *models.FlowRun) {
		run.Status = models.FlowRunRunning
	})
}

func (s *MemoryStore) CompleteRun(ctx context.Context, id string, outputs map[string]any, tokens int, cost float64) error {
	return s.mutateRun(id, func(run *models.FlowRun) {
		now := time.Now().UTC()
		run.Status = models.FlowRunCompleted
		run.Outputs = outputs
		run.TokensUsed = tokens
		run.CostEstimate = cost
		run.CompletedAt = &now
	})
}

func (s *MemoryStore) FailRun(ctx context.Context, id string, errMsg string) error {
	return s.mutateRun(id, func(run *models.FlowRun) {
		now := time.Now().UTC()
		run.Status = models.FlowRunFailed
		run.ErrorMessage = &errMsg
		run.CompletedAt = &now
	})
}

func (s *MemoryStore) CancelRun(ctx context.Context, id string) error {
	return s.mutateRun(id, func(run *models.FlowRun) {
		now := time.Now().UTC()
		run.Status = models.FlowRunCancelled
		run.CompletedAt = &now
	})
}

func (s *MemoryStore) UpdateRunProgress(ctx context.Context, id string, progress models.FlowProgress) error {
	return s.mutateRun(id, func(run *models.FlowRun) {
		run.Progress = progress
	})
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string) error {
	return s.mutateRun(id, func(run *models.FlowRun) {
		now := time.Now().UTC()
		run.LastHeartbeat = &now
	})
}

func (s *MemoryStore) RunsByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.FlowRun
	for _, run := range s.runs {
		if run.UserID != nil && *run.UserID == userID {
			clone := *run
			matched = append(matched, &clone)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
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

func (s *MemoryStore) CreateStep(ctx context.Context, step *models.FlowStepRun) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = models.StepPending
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *step
	s.steps[step.ID] = &clone
	return nil
}

func (s *MemoryStore) CompleteStep(ctx context.Context, id string, done StepCompletion) error {
	return s.mutateStep(id, func(step *models.FlowStepRun) {
		now := time.Now().UTC()
		step.Status = models.StepCompleted
		step.Outputs = done.Outputs
		tokens := done.TokensUsed
		step.TokensUsed = &tokens
		cost := done.CostEstimate
		step.CostEstimate = &cost
		elapsed := done.ElapsedMS
		step.ExecutionTimeMS = &elapsed
		if done.LLMRequestID != "" {
			reqID := done.LLMRequestID
			step.LLMRequestID = &reqID
		}
		step.CompletedAt = &now
	})
}

func (s *MemoryStore) FailStep(ctx context.Context, id string, errMsg string, elapsedMS int64) error {
	return s.mutateStep(id, func(step *models.FlowStepRun) {
		now := time.Now().UTC()
		step.Status = models.StepFailed
		step.ErrorMessage = &errMsg
		step.ExecutionTimeMS = &elapsedMS
		step.CompletedAt = &now
	})
}

func (s *MemoryStore) StepsByRun(ctx context.Context, runID string) ([]*models.FlowStepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.FlowStepRun
	for _, step := range s.steps {
		if step.FlowRunID == runID {
			clone := *step
			matched = append(matched, &clone)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StepOrder < matched[j].StepOrder
	})
	return matched, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) mutateRun(id string, apply func(*models.FlowRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	apply(run)
	return nil
}

func (s *MemoryStore) mutateStep(id string, apply func(*models.FlowStepRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return ErrNotFound
	}
	apply(step)
	return nil
}
