package flow

import (
	"context"
	"sync"
)

// ExecutionContext is the per-run state threaded through step execution.
// The engine binds one into the context.Context for the duration of a run;
// the step scaffold reads it back to persist rows and account usage.
type ExecutionContext struct {
	engine *Engine
	RunID  string
	UserID *int64

	mu         sync.Mutex
	stepCount  int
	lastTokens int
	lastCost   float64

	totalTokens int
	totalCost   float64

	// totalSteps is known only for declared-step flows; zero means the
	// body decides and percentage progress is unavailable.
	totalSteps int

	// onStep mirrors step advancement to an external observer, set by
	// the queue worker path.
	onStep ProgressFunc
}

// Engine returns the engine driving the run, for custom bodies that call
// RunStep.
func (e *ExecutionContext) Engine() *Engine {
	return e.engine
}

// NextOrder returns the next 1-based step order within the run.
func (e *ExecutionContext) NextOrder() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stepCount++
	return e.stepCount
}

// recordUsage notes the tokens and cost of the step that just finished.
func (e *ExecutionContext) recordUsage(tokens int, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTokens = tokens
	e.lastCost = cost
	e.totalTokens += tokens
	e.totalCost += cost
}

// LastUsage returns the token and cost figures of the most recent step.
func (e *ExecutionContext) LastUsage() (tokens int, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTokens, e.lastCost
}

// totals returns the accumulated usage across all steps of the run.
func (e *ExecutionContext) totals() (tokens int, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalTokens, e.totalCost
}

type contextKey struct{}

// WithExecutionContext binds the execution context into ctx.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

// FromContext returns the bound execution context, if any.
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(contextKey{}).(*ExecutionContext)
	return ec, ok
}
