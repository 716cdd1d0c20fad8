package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Handler executes one claimed job and returns its outputs.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// DefaultTaskType is the handler key used when a job declares no task type.
const DefaultTaskType = "flow"

const defaultHeartbeatInterval = 30 * time.Second

// claimWait bounds each blocking pop so the loop notices shutdown and
// promotes deferred jobs regularly.
const claimWait = 2 * time.Second

// WorkerConfig tunes a worker process.
type WorkerConfig struct {
	// ID defaults to a generated identifier.
	ID string

	HeartbeatInterval time.Duration

	// Version is reported in health records.
	Version string
}

// Worker claims jobs from the queue and dispatches them through a handler
// registry. There is exactly one generic dispatch entry point; handlers
// are registered at startup, not hard-coded.
type Worker struct {
	svc    *Service
	rdb    *redis.Client
	logger *observability.Logger

	id                string
	version           string
	host              string
	pid               int
	heartbeatInterval time.Duration

	handlers map[string]Handler

	busy      atomic.Bool
	processed atomic.Int64
	startedAt time.Time
}

// NewWorker creates a worker over the queue service.
func NewWorker(svc *Service, rdb *redis.Client, cfg WorkerConfig, logger *observability.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = observability.Nop()
	}
	host, _ := os.Hostname()
	return &Worker{
		svc:               svc,
		rdb:               rdb,
		logger:            logger,
		id:                cfg.ID,
		version:           cfg.Version,
		host:              host,
		pid:               os.Getpid(),
		heartbeatInterval: cfg.HeartbeatInterval,
		handlers:          make(map[string]Handler),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// RegisterHandler installs the handler for a task type. An empty task type
// registers the default flow handler.
func (w *Worker) RegisterHandler(taskType string, h Handler) {
	if taskType == "" {
		taskType = DefaultTaskType
	}
	w.handlers[taskType] = h
}

// Run claims and processes jobs until ctx is cancelled, then marks the
// worker offline. The heartbeat loop runs alongside and reports busy or
// idle every interval.
func (w *Worker) Run(ctx context.Context) error {
	ctx = observability.WithWorkerID(ctx, w.id)
	w.startedAt = time.Now().UTC()
	w.writeHealth(ctx, models.WorkerIdle)
	w.logger.Info(ctx, "worker started", "queue", w.svc.QueueName())

	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(ctx, heartbeatDone)

	for {
		select {
		case <-ctx.Done():
			<-heartbeatDone
			// A fresh context: ctx is already cancelled and the offline
			// mark must still land.
			w.writeHealth(context.Background(), models.WorkerOffline)
			w.logger.Info(ctx, "worker stopped", "processed", w.processed.Load())
			return ctx.Err()
		default:
		}

		job, err := w.svc.claim(ctx, claimWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error(ctx, "claim failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeHealth(ctx, models.WorkerHealthy)
		}
	}
}

// process is the single generic dispatch entry point: it reads the task
// type from the payload and invokes the registered handler.
func (w *Worker) process(ctx context.Context, job *Job) {
	ctx = observability.WithTaskID(ctx, job.TaskID)

	// A task cancelled between enqueue and claim is skipped, not executed.
	if task, err := w.svc.GetTaskStatus(ctx, job.TaskID); err == nil && task.Status == models.TaskCancelled {
		w.logger.Info(ctx, "skipping cancelled task")
		return
	}

	if err := w.svc.MarkTaskStarted(ctx, job.TaskID, w.id); err != nil {
		w.logger.Error(ctx, "task claim write failed", "error", err)
	}
	w.busy.Store(true)
	w.writeHealth(ctx, models.WorkerBusy)
	w.logger.Info(ctx, "task started", "flow", job.FlowName, "type", job.TaskType)

	outputs, err := w.dispatch(ctx, job)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		w.logger.Warn(ctx, "task failed", "error", err)
	}
	if completeErr := w.svc.CompleteTask(ctx, job.TaskID, outputs, errMsg); completeErr != nil {
		w.logger.Error(ctx, "task completion write failed", "error", completeErr)
	}

	w.processed.Add(1)
	w.busy.Store(false)
	w.writeHealth(ctx, models.WorkerIdle)
}

func (w *Worker) dispatch(ctx context.Context, job *Job) (map[string]any, error) {
	taskType := job.TaskType
	if taskType == "" {
		taskType = DefaultTaskType
	}
	handler, ok := w.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", taskType)
	}
	return handler(ctx, job)
}

func (w *Worker) writeHealth(ctx context.Context, status models.WorkerStatus) {
	currentTasks := 0
	if w.busy.Load() {
		currentTasks = 1
		if status == models.WorkerHealthy {
			status = models.WorkerBusy
		}
	}
	health := models.WorkerHealth{
		WorkerID:       w.id,
		Status:         status,
		LastHeartbeat:  time.Now().UTC(),
		CurrentTasks:   currentTasks,
		TotalProcessed: int(w.processed.Load()),
		QueueName:      w.svc.QueueName(),
		Host:           w.host,
		PID:            w.pid,
		Version:        w.version,
		StartedAt:      w.startedAt,
	}
	data, err := json.Marshal(health)
	if err != nil {
		return
	}
	if err := w.rdb.SetEx(ctx, workerKey(w.id), data, workerTTL).Err(); err != nil {
		w.logger.Warn(ctx, "worker health write failed", "error", err)
	}
}
