package taskqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/conduit/pkg/models"
)

func newTestService(t *testing.T) (*Service, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewService(rdb, "test-queue", nil), rdb, mr
}

func TestSubmitFlowTask(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx := context.Background()

	user := int64(9)
	result, err := svc.SubmitFlowTask(ctx, "summarize", "run-1",
		map[string]any{"text": "hello"}, &user, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.Status != models.TaskPending {
		t.Errorf("expected pending, got %v", result.Status)
	}
	if result.QueueName != "test-queue" {
		t.Errorf("unexpected queue %q", result.QueueName)
	}

	task, err := svc.GetTaskStatus(ctx, result.TaskID)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if task.Status != models.TaskPending || task.FlowName != "summarize" {
		t.Errorf("unexpected task record: %+v", task)
	}
	if task.UserID == nil || *task.UserID != 9 {
		t.Error("user id not recorded")
	}

	n, _ := rdb.LLen(ctx, queueKey("test-queue")).Result()
	if n != 1 {
		t.Errorf("expected 1 queued job, got %d", n)
	}
}

func TestGetTaskStatusMissing(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.GetTaskStatus(context.Background(), "ghost"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeferredSubmissionBecomesClaimable(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitFlowTask(ctx, "later", "", nil, nil,
		SubmitOptions{Delay: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if n, _ := rdb.LLen(ctx, queueKey("test-queue")).Result(); n != 0 {
		t.Fatalf("deferred job must not be on the ready list, got %d", n)
	}

	job, err := svc.claim(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job != nil {
		t.Fatal("job claimable before its delay elapsed")
	}

	time.Sleep(50 * time.Millisecond)
	job, err = svc.claim(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.FlowName != "later" {
		t.Fatalf("expected deferred job after delay, got %+v", job)
	}
}

func TestCancelTask(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx := context.Background()

	t.Run("pending task cancels and aborts the job", func(t *testing.T) {
		result, err := svc.SubmitFlowTask(ctx, "doomed", "", nil, nil, SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}

		cancelled, err := svc.CancelTask(ctx, result.TaskID)
		if err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if !cancelled {
			t.Fatal("expected cancellation of pending task")
		}

		task, _ := svc.GetTaskStatus(ctx, result.TaskID)
		if task.Status != models.TaskCancelled {
			t.Errorf("expected cancelled, got %v", task.Status)
		}
		if task.CompletedAt == nil {
			t.Error("completed_at not set on cancellation")
		}
		if n, _ := rdb.LLen(ctx, queueKey("test-queue")).Result(); n != 0 {
			t.Errorf("job not removed from queue, %d remain", n)
		}
	})

	t.Run("claimed task is not cancellable", func(t *testing.T) {
		result, err := svc.SubmitFlowTask(ctx, "running", "", nil, nil, SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.MarkTaskStarted(ctx, result.TaskID, "w-1"); err != nil {
			t.Fatal(err)
		}

		cancelled, err := svc.CancelTask(ctx, result.TaskID)
		if err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if cancelled {
			t.Error("claimed task must not report cancellation")
		}
		task, _ := svc.GetTaskStatus(ctx, result.TaskID)
		if task.Status != models.TaskInProgress {
			t.Errorf("claimed task status must be untouched, got %v", task.Status)
		}
	})
}

func TestUpdateTaskProgress(t *testing.T) {
	svc, rdb, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.SubmitFlowTask(ctx, "slow", "", nil, nil, SubmitOptions{})
	if err := svc.MarkTaskStarted(ctx, result.TaskID, "w-1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateTaskProgress(ctx, result.TaskID, 40, "step_two"); err != nil {
		t.Fatalf("progress update failed: %v", err)
	}

	task, _ := svc.GetTaskStatus(ctx, result.TaskID)
	if task.Progress != 40 || task.CurrentStep != "step_two" {
		t.Errorf("progress not merged: %+v", task)
	}

	data, err := rdb.Get(ctx, progressKey(result.TaskID)).Bytes()
	if err != nil {
		t.Fatalf("progress entry missing: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}
	if entry["progress"].(float64) != 40 {
		t.Errorf("unexpected progress entry: %v", entry)
	}
}

func TestCompleteTaskIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.SubmitFlowTask(ctx, "twice", "", nil, nil, SubmitOptions{})
	svc.MarkTaskStarted(ctx, result.TaskID, "w-1")

	outputs := map[string]any{"answer": "42"}
	if err := svc.CompleteTask(ctx, result.TaskID, outputs, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.CompleteTask(ctx, result.TaskID, outputs, ""); err != nil {
		t.Fatalf("duplicate completion must be safe: %v", err)
	}

	task, _ := svc.GetTaskStatus(ctx, result.TaskID)
	if task.Status != models.TaskCompleted || task.Progress != 100 {
		t.Errorf("unexpected terminal record: %+v", task)
	}
	if task.Outputs["answer"] != "42" {
		t.Error("outputs not recorded")
	}
}

func TestCompleteTaskFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.SubmitFlowTask(ctx, "broken", "", nil, nil, SubmitOptions{})
	if err := svc.CompleteTask(ctx, result.TaskID, nil, "flow exploded"); err != nil {
		t.Fatal(err)
	}

	task, _ := svc.GetTaskStatus(ctx, result.TaskID)
	if task.Status != models.TaskFailed || task.ErrorMessage != "flow exploded" {
		t.Errorf("unexpected failure record: %+v", task)
	}
}

func TestQueueStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.SubmitFlowTask(ctx, "a", "", nil, nil, SubmitOptions{})
	svc.SubmitFlowTask(ctx, "b", "", nil, nil, SubmitOptions{Delay: time.Minute})
	started, _ := svc.SubmitFlowTask(ctx, "c", "", nil, nil, SubmitOptions{})
	svc.MarkTaskStarted(ctx, started.TaskID, "w-1")

	stats, err := svc.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Queued != 2 {
		t.Errorf("expected 2 queued, got %d", stats.Queued)
	}
	if stats.Deferred != 1 {
		t.Errorf("expected 1 deferred, got %d", stats.Deferred)
	}
	if stats.Pending != 2 {
		t.Errorf("expected 2 pending records, got %d", stats.Pending)
	}
	if stats.InProgress != 1 {
		t.Errorf("expected 1 in-progress record, got %d", stats.InProgress)
	}
}
