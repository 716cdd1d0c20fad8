// Package taskqueue is the background execution path: a submitter writes a
// task record and enqueues a job on Redis; a worker claims it and drives
// the flow engine exactly as a foreground call would. Task, progress, and
// worker records live in a TTL'd key space observers poll.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrNotFound is returned when a task record does not exist or has expired.
var ErrNotFound = errors.New("taskqueue: task not found")

// Observation-store TTLs. Task and progress records outlive most debugging
// sessions; worker records age out quickly so dead workers disappear.
const (
	taskTTL     = 24 * time.Hour
	progressTTL = 24 * time.Hour
	workerTTL   = time.Hour
)

func taskKey(id string) string     { return "task:" + id }
func progressKey(id string) string { return "progress:" + id }
func workerKey(id string) string   { return "worker:" + id }
func statsKey(queue string) string { return "queue:stats:" + queue }
func queueKey(queue string) string { return "queue:" + queue }
func deferredKey(queue string) string {
	return "queue:" + queue + ":deferred"
}

// Job is the wire payload of one queued task.
type Job struct {
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type,omitempty"`
	FlowName  string         `json:"flow_name"`
	FlowRunID string         `json:"flow_run_id,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	UserID    *int64         `json:"user_id,omitempty"`
}

// SubmitOptions tunes a submission.
type SubmitOptions struct {
	// Delay holds the job back before it becomes claimable.
	Delay time.Duration

	Priority int

	// TaskType selects the worker handler; empty means the default flow
	// handler.
	TaskType string
}

// SubmitResult is returned to the submitter.
type SubmitResult struct {
	TaskID         string           `json:"task_id"`
	FlowRunID      string           `json:"flow_run_id,omitempty"`
	QueueName      string           `json:"queue_name"`
	EstimatedDelay time.Duration    `json:"estimated_delay"`
	Status         models.TaskState `json:"status"`
}

// Stats is a derived, best-effort snapshot of queue occupancy.
type Stats struct {
	QueueName  string    `json:"queue_name"`
	Queued     int64     `json:"queued"`
	Deferred   int64     `json:"deferred"`
	Pending    int64     `json:"pending"`
	InProgress int64     `json:"in_progress"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Service is the submitter side of the queue plus the claim primitive the
// worker uses.
type Service struct {
	rdb       *redis.Client
	queueName string
	logger    *observability.Logger
}

// NewService creates a queue service bound to one queue name.
func NewService(rdb *redis.Client, queueName string, logger *observability.Logger) *Service {
	if queueName == "" {
		queueName = "conduit"
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Service{rdb: rdb, queueName: queueName, logger: logger}
}

// QueueName returns the queue this service is bound to.
func (s *Service) QueueName() string { return s.queueName }

// SubmitFlowTask enqueues a flow execution job and writes its pending task
// record. The returned task id identifies both.
func (s *Service) SubmitFlowTask(ctx context.Context, flowName, flowRunID string, inputs map[string]any, userID *int64, opts SubmitOptions) (*SubmitResult, error) {
	taskID := uuid.NewString()
	ctx = observability.WithTaskID(ctx, taskID)

	job := Job{
		TaskID:    taskID,
		TaskType:  opts.TaskType,
		FlowName:  flowName,
		FlowRunID: flowRunID,
		Inputs:    inputs,
		UserID:    userID,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: encode job: %w", err)
	}

	if opts.Delay > 0 {
		due := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := s.rdb.ZAdd(ctx, deferredKey(s.queueName), redis.Z{Score: due, Member: payload}).Err(); err != nil {
			return nil, fmt.Errorf("taskqueue: defer job: %w", err)
		}
	} else {
		if err := s.rdb.LPush(ctx, queueKey(s.queueName), payload).Err(); err != nil {
			return nil, fmt.Errorf("taskqueue: enqueue job: %w", err)
		}
	}

	task := &models.Task{
		TaskID:    taskID,
		FlowName:  flowName,
		FlowRunID: flowRunID,
		TaskType:  opts.TaskType,
		Status:    models.TaskPending,
		Inputs:    inputs,
		UserID:    userID,
		QueueName: s.queueName,
		Priority:  opts.Priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "task submitted", "flow", flowName, "delay", opts.Delay)
	return &SubmitResult{
		TaskID:         taskID,
		FlowRunID:      flowRunID,
		QueueName:      s.queueName,
		EstimatedDelay: opts.Delay,
		Status:         models.TaskPending,
	}, nil
}

// GetTaskStatus returns the observed task record.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*models.Task, error) {
	return s.readTask(ctx, taskID)
}

// CancelTask cancels a not-yet-claimed task: the queued job is removed
// best-effort and the record moves to cancelled. Returns false without
// touching anything when the task was already claimed. Cancellation is
// cooperative; in-flight work runs to completion.
func (s *Service) CancelTask(ctx context.Context, taskID string) (bool, error) {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != models.TaskPending {
		return false, nil
	}

	// Abort the enqueued job. The payload re-serializes deterministically,
	// so LREM matches by value.
	job := Job{
		TaskID:    task.TaskID,
		TaskType:  task.TaskType,
		FlowName:  task.FlowName,
		FlowRunID: task.FlowRunID,
		Inputs:    task.Inputs,
		UserID:    task.UserID,
	}
	if payload, err := json.Marshal(job); err == nil {
		s.rdb.LRem(ctx, queueKey(s.queueName), 0, payload)
		s.rdb.ZRem(ctx, deferredKey(s.queueName), payload)
	}

	now := time.Now().UTC()
	task.Status = models.TaskCancelled
	task.CompletedAt = &now
	if err := s.writeTask(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// MarkTaskStarted records the claim: in_progress, started_at, worker id.
func (s *Service) MarkTaskStarted(ctx context.Context, taskID, workerID string) error {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.Status = models.TaskInProgress
	task.WorkerID = workerID
	task.StartedAt = &now
	return s.writeTask(ctx, task)
}

// UpdateTaskProgress merges the progress into the task record and writes a
// separate progress entry for real-time observers.
func (s *Service) UpdateTaskProgress(ctx context.Context, taskID string, pct float64, currentStep string) error {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Progress = pct
	if currentStep != "" {
		task.CurrentStep = currentStep
	}
	if err := s.writeTask(ctx, task); err != nil {
		return err
	}

	entry := map[string]any{
		"task_id":      taskID,
		"progress":     pct,
		"current_step": currentStep,
		"updated_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(entry)
	return s.rdb.SetEx(ctx, progressKey(taskID), data, progressTTL).Err()
}

// CompleteTask writes the terminal state. An empty errMsg means success.
// Duplicate completions overwrite; the write is idempotent.
func (s *Service) CompleteTask(ctx context.Context, taskID string, outputs map[string]any, errMsg string) error {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.Progress = 100
	task.CompletedAt = &now
	task.Outputs = outputs
	if errMsg != "" {
		task.Status = models.TaskFailed
		task.ErrorMessage = errMsg
	} else {
		task.Status = models.TaskCompleted
	}
	return s.writeTask(ctx, task)
}

// QueueStats derives occupancy counts and caches them under the stats key.
func (s *Service) QueueStats(ctx context.Context) (*Stats, error) {
	queued, err := s.rdb.LLen(ctx, queueKey(s.queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: stats: %w", err)
	}
	deferred, err := s.rdb.ZCard(ctx, deferredKey(s.queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: stats: %w", err)
	}

	stats := &Stats{
		QueueName: s.queueName,
		Queued:    queued,
		Deferred:  deferred,
		UpdatedAt: time.Now().UTC(),
	}

	// Status counts come from scanning task records; best-effort and
	// bounded by the record TTL.
	iter := s.rdb.Scan(ctx, 0, taskKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var task models.Task
		if err := json.Unmarshal(data, &task); err != nil || task.QueueName != s.queueName {
			continue
		}
		switch task.Status {
		case models.TaskPending:
			stats.Pending++
		case models.TaskInProgress:
			stats.InProgress++
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("taskqueue: stats scan: %w", err)
	}

	if data, err := json.Marshal(stats); err == nil {
		s.rdb.SetEx(ctx, statsKey(s.queueName), data, progressTTL)
	}
	return stats, nil
}

// claim pops the next due job, promoting deferred jobs first. A nil job
// with nil error means the wait timed out.
func (s *Service) claim(ctx context.Context, timeout time.Duration) (*Job, error) {
	if err := s.promoteDeferred(ctx); err != nil {
		return nil, err
	}

	result, err := s.rdb.BRPop(ctx, timeout, queueKey(s.queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: claim: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("taskqueue: decode job: %w", err)
	}
	return &job, nil
}

// promoteDeferred moves due deferred jobs onto the ready list.
func (s *Service) promoteDeferred(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := s.rdb.ZRangeByScore(ctx, deferredKey(s.queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("taskqueue: promote deferred: %w", err)
	}
	for _, payload := range due {
		removed, err := s.rdb.ZRem(ctx, deferredKey(s.queueName), payload).Result()
		if err != nil || removed == 0 {
			// Another process promoted it first.
			continue
		}
		s.rdb.LPush(ctx, queueKey(s.queueName), payload)
	}
	return nil
}

func (s *Service) readTask(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: read task: %w", err)
	}
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("taskqueue: decode task: %w", err)
	}
	return &task, nil
}

func (s *Service) writeTask(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: encode task: %w", err)
	}
	if err := s.rdb.SetEx(ctx, taskKey(task.TaskID), data, taskTTL).Err(); err != nil {
		return fmt.Errorf("taskqueue: write task: %w", err)
	}
	return nil
}
