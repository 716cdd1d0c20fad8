package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

func waitForStatus(t *testing.T, svc *Service, taskID string, want models.TaskState) *models.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := svc.GetTaskStatus(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached %v (last: %+v, err: %v)", taskID, want, task, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerProcessesSubmittedTask(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(svc, rdb, WorkerConfig{ID: "w-test", Version: "1.2.3"}, nil)
	handled := make(chan *Job, 1)
	worker.RegisterHandler("", func(ctx context.Context, job *Job) (map[string]any, error) {
		handled <- job
		return map[string]any{"summary": "done"}, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	user := int64(3)
	result, err := svc.SubmitFlowTask(context.Background(), "summarize", "run-7",
		map[string]any{"text": "x"}, &user, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-handled:
		if job.FlowName != "summarize" || job.FlowRunID != "run-7" {
			t.Errorf("handler got wrong job: %+v", job)
		}
		if job.UserID == nil || *job.UserID != 3 {
			t.Error("user id not threaded through job")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}

	task := waitForStatus(t, svc, result.TaskID, models.TaskCompleted)
	if task.WorkerID != "w-test" {
		t.Errorf("worker id not recorded, got %q", task.WorkerID)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("claim and completion timestamps not recorded")
	}
	if task.Progress != 100 {
		t.Errorf("terminal progress must be 100, got %v", task.Progress)
	}
	if task.Outputs["summary"] != "done" {
		t.Error("outputs not recorded")
	}

	// Shutdown marks the worker offline.
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	data, err := rdb.Get(context.Background(), workerKey("w-test")).Bytes()
	if err != nil {
		t.Fatalf("worker health record missing: %v", err)
	}
	var health models.WorkerHealth
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != models.WorkerOffline {
		t.Errorf("expected offline after shutdown, got %v", health.Status)
	}
	if health.TotalProcessed != 1 {
		t.Errorf("expected 1 processed, got %d", health.TotalProcessed)
	}
	if health.Version != "1.2.3" {
		t.Errorf("version not reported, got %q", health.Version)
	}
}

func TestWorkerRecordsHandlerFailure(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(svc, rdb, WorkerConfig{}, nil)
	worker.RegisterHandler("", func(ctx context.Context, job *Job) (map[string]any, error) {
		return nil, errors.New("flow blew up")
	})
	go worker.Run(ctx)

	result, err := svc.SubmitFlowTask(context.Background(), "doomed", "", nil, nil, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	task := waitForStatus(t, svc, result.TaskID, models.TaskFailed)
	if task.ErrorMessage != "flow blew up" {
		t.Errorf("error message not recorded, got %q", task.ErrorMessage)
	}
}

func TestWorkerSkipsCancelledTask(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := svc.SubmitFlowTask(context.Background(), "aborted", "", nil, nil, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Cancel removes the job, but even a stale copy must be skipped: push
	// the payload back to simulate a claim racing the cancellation.
	cancelled, err := svc.CancelTask(context.Background(), result.TaskID)
	if err != nil || !cancelled {
		t.Fatalf("cancel failed: %v (cancelled=%v)", err, cancelled)
	}
	payload, _ := json.Marshal(Job{TaskID: result.TaskID, FlowName: "aborted"})
	rdb.LPush(context.Background(), queueKey("test-queue"), payload)

	invoked := make(chan struct{}, 1)
	worker := NewWorker(svc, rdb, WorkerConfig{}, nil)
	worker.RegisterHandler("", func(ctx context.Context, job *Job) (map[string]any, error) {
		invoked <- struct{}{}
		return nil, nil
	})
	go worker.Run(ctx)

	select {
	case <-invoked:
		t.Fatal("cancelled task must not be executed")
	case <-time.After(300 * time.Millisecond):
	}

	task, _ := svc.GetTaskStatus(context.Background(), result.TaskID)
	if task.Status != models.TaskCancelled {
		t.Errorf("cancelled status must survive, got %v", task.Status)
	}
}

func TestWorkerDispatchByTaskType(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(svc, rdb, WorkerConfig{}, nil)
	flowCalls := make(chan string, 2)
	worker.RegisterHandler("flow", func(ctx context.Context, job *Job) (map[string]any, error) {
		flowCalls <- "flow"
		return nil, nil
	})
	worker.RegisterHandler("reindex", func(ctx context.Context, job *Job) (map[string]any, error) {
		flowCalls <- "reindex"
		return nil, nil
	})
	go worker.Run(ctx)

	if _, err := svc.SubmitFlowTask(context.Background(), "f", "", nil, nil,
		SubmitOptions{TaskType: "reindex"}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-flowCalls:
		if got != "reindex" {
			t.Errorf("dispatched to %q, want reindex", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no handler invoked")
	}
}

func TestWorkerUnregisteredTypeFailsTask(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(svc, rdb, WorkerConfig{}, nil)
	go worker.Run(ctx)

	result, err := svc.SubmitFlowTask(context.Background(), "f", "", nil, nil,
		SubmitOptions{TaskType: "unknown-type"})
	if err != nil {
		t.Fatal(err)
	}

	task := waitForStatus(t, svc, result.TaskID, models.TaskFailed)
	if task.ErrorMessage == "" {
		t.Error("expected an error message naming the missing handler")
	}
}
