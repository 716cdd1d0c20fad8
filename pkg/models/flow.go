package models

import "time"

// FlowRunStatus is the lifecycle state of a flow run.
// Transitions form the DAG pending -> running -> {completed, failed, cancelled}.
type FlowRunStatus string

const (
	FlowRunPending   FlowRunStatus = "pending"
	FlowRunRunning   FlowRunStatus = "running"
	FlowRunCompleted FlowRunStatus = "completed"
	FlowRunFailed    FlowRunStatus = "failed"
	FlowRunCancelled FlowRunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s FlowRunStatus) Terminal() bool {
	switch s {
	case FlowRunCompleted, FlowRunFailed, FlowRunCancelled:
		return true
	}
	return false
}

// ExecutionMode indicates whether a run executes in the caller's process
// or on a background worker.
type ExecutionMode string

const (
	ExecutionSync       ExecutionMode = "sync"
	ExecutionBackground ExecutionMode = "background"
)

// FlowProgress tracks step-level advancement of a running flow.
type FlowProgress struct {
	CurrentStep  string  `json:"current_step,omitempty"`
	StepProgress int     `json:"step_progress"`
	TotalSteps   int     `json:"total_steps,omitempty"`
	Percentage   float64 `json:"percentage"`
}

// FlowRun is a single execution of a named flow.
type FlowRun struct {
	ID            string         `json:"id"`
	UserID        *int64         `json:"user_id,omitempty"`
	FlowName      string         `json:"flow_name"`
	Status        FlowRunStatus  `json:"status"`
	ExecutionMode ExecutionMode  `json:"execution_mode"`
	Progress      FlowProgress   `json:"progress"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	TokensUsed    int            `json:"tokens_used"`
	CostEstimate  float64        `json:"cost_estimate"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
}

// StepStatus is the lifecycle state of a flow step run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// FlowStepRun is one step inside a flow run. StepOrder is 1-based and dense
// within the parent run.
type FlowStepRun struct {
	ID              string         `json:"id"`
	FlowRunID       string         `json:"flow_run_id"`
	LLMRequestID    *string        `json:"llm_request_id,omitempty"`
	StepName        string         `json:"step_name"`
	StepOrder       int            `json:"step_order"`
	Status          StepStatus     `json:"status"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	TokensUsed      *int           `json:"tokens_used,omitempty"`
	CostEstimate    *float64       `json:"cost_estimate,omitempty"`
	ExecutionTimeMS *int64         `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}
