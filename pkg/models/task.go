package models

import "time"

// TaskState is the queue-visible status of a background task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
	TaskRetry      TaskState = "retry"
)

// Terminal reports whether the state is terminal.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is the observation-store record of a queued background job.
type Task struct {
	TaskID      string         `json:"task_id"`
	FlowName    string         `json:"flow_name"`
	FlowRunID   string         `json:"flow_run_id,omitempty"`
	TaskType    string         `json:"task_type,omitempty"`
	Status      TaskState      `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Progress    float64        `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	QueueName   string         `json:"queue_name"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	UserID      *int64         `json:"user_id,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkerStatus describes the reported health of a worker process.
type WorkerStatus string

const (
	WorkerHealthy   WorkerStatus = "healthy"
	WorkerBusy      WorkerStatus = "busy"
	WorkerIdle      WorkerStatus = "idle"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerOffline   WorkerStatus = "offline"
)

// WorkerHealth is the heartbeat record a worker writes to the observation
// store. A worker is considered offline when LastHeartbeat is older than the
// configured TTL.
type WorkerHealth struct {
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	CurrentTasks   int          `json:"current_tasks"`
	TotalProcessed int          `json:"total_processed"`
	QueueName      string       `json:"queue_name"`
	Host           string       `json:"host,omitempty"`
	PID            int          `json:"pid,omitempty"`
	Version        string       `json:"version,omitempty"`
	MemoryMB       float64      `json:"memory_mb,omitempty"`
	CPUPercent     float64      `json:"cpu_percent,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
}
