package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func startWorker(t *testing.T, storage Storage, handlers ...Handler) *Worker {
	t.Helper()
	worker, err := NewWorker(storage,
		WithWorkerQueue("certs"),
		WithPollInterval(10*time.Millisecond),
		WithLockTimeout(time.Minute))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	worker.RegisterHandlers(handlers...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = worker.Start(ctx) }()
	t.Cleanup(worker.Stop)
	return worker
}

func waitForStatus(t *testing.T, storage *MemoryStorage, task *Task, want TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stored, ok := storage.GetTask(task.ID); ok && stored.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	stored, _ := storage.GetTask(task.ID)
	t.Fatalf("Task never reached %s, stuck at %+v", want, stored)
}

// waitForAttempt polls until the task records at least one failed attempt.
// Waiting on status alone is not enough for reschedule assertions: a fresh
// task is already pending before the worker ever claims it.
func waitForAttempt(t *testing.T, storage *MemoryStorage, task *Task) *Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stored, ok := storage.GetTask(task.ID); ok && stored.RetryCount >= 1 {
			return stored
		}
		time.Sleep(10 * time.Millisecond)
	}
	stored, _ := storage.GetTask(task.ID)
	t.Fatalf("Task never recorded an attempt, stuck at %+v", stored)
	return nil
}

func enqueueOne(t *testing.T, storage *MemoryStorage, name string, maxRetries int) *Task {
	t.Helper()
	enq, _ := NewEnqueuer(storage, "certs", maxRetries)
	if err := enq.Enqueue(context.Background(), name, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tasks := storage.TasksByName(name)
	return &tasks[0]
}

func TestWorkerProcessesTask(t *testing.T) {
	storage := NewMemoryStorage()
	var calls atomic.Int32
	handler := NewTaskHandler("demo:ok", func(ctx context.Context, _ struct{}) error {
		calls.Add(1)
		return nil
	})

	task := enqueueOne(t, storage, "demo:ok", 3)
	startWorker(t, storage, handler)

	waitForStatus(t, storage, task, TaskStatusCompleted)
	if calls.Load() != 1 {
		t.Errorf("Expected handler called once, got %d", calls.Load())
	}
}

func TestWorkerTerminalErrorKillsTask(t *testing.T) {
	storage := NewMemoryStorage()
	handler := NewTaskHandler("demo:dead", func(ctx context.Context, _ struct{}) error {
		return Terminal(errors.New("account deactivated"))
	})

	task := enqueueOne(t, storage, "demo:dead", 10)
	startWorker(t, storage, handler)

	waitForStatus(t, storage, task, TaskStatusFailed)
	stored, _ := storage.GetTask(task.ID)
	if stored.RetryCount != 0 {
		t.Errorf("Expected no retries for terminal failure, got %d", stored.RetryCount)
	}
}

func TestWorkerRetryableErrorReschedules(t *testing.T) {
	storage := NewMemoryStorage()
	handler := NewTaskHandler("demo:flaky", func(ctx context.Context, _ struct{}) error {
		return errors.New("transient")
	})

	task := enqueueOne(t, storage, "demo:flaky", 3)
	startWorker(t, storage, handler)

	stored := waitForAttempt(t, storage, task)
	if stored.Status != TaskStatusPending {
		t.Errorf("Expected task rescheduled, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Errorf("Expected one recorded attempt, got %d", stored.RetryCount)
	}
	if stored.LastError == nil || *stored.LastError != "transient" {
		t.Errorf("Expected error recorded")
	}
	if !stored.ScheduledAt.After(time.Now()) {
		t.Errorf("Expected backoff before the next attempt, got %v", stored.ScheduledAt)
	}
}

func TestWorkerPanicIsRetryable(t *testing.T) {
	storage := NewMemoryStorage()
	handler := NewTaskHandler("demo:panic", func(ctx context.Context, _ struct{}) error {
		panic("boom")
	})

	task := enqueueOne(t, storage, "demo:panic", 3)
	startWorker(t, storage, handler)

	stored := waitForAttempt(t, storage, task)
	if stored.Status != TaskStatusPending {
		t.Errorf("Expected panicking task rescheduled, got %s", stored.Status)
	}
	if stored.LastError == nil || !strings.Contains(*stored.LastError, "panic") {
		t.Errorf("Expected panic recorded as the task error, got %v", stored.LastError)
	}
}

func TestWorkerExhaustedRetriesFireHook(t *testing.T) {
	storage := NewMemoryStorage()
	handler := NewTaskHandler("demo:doomed", func(ctx context.Context, _ struct{}) error {
		return errors.New("still broken")
	})

	var hookCalls atomic.Int32
	var hookErr atomic.Value
	worker, err := NewWorker(storage,
		WithWorkerQueue("certs"),
		WithPollInterval(10*time.Millisecond),
		WithLockTimeout(time.Minute),
		WithExhaustionHook(func(ctx context.Context, task *Task, taskErr error) {
			hookCalls.Add(1)
			hookErr.Store(taskErr)
		}))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	worker.RegisterHandlers(handler)

	task := enqueueOne(t, storage, "demo:doomed", 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = worker.Start(ctx) }()
	t.Cleanup(worker.Stop)

	waitForStatus(t, storage, task, TaskStatusFailed)

	// The status flips before the hook runs; give the hook its own window.
	deadline := time.Now().Add(time.Second)
	for hookCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hookCalls.Load() != 1 {
		t.Errorf("Expected hook fired once on final attempt, got %d", hookCalls.Load())
	}
	if got, _ := hookErr.Load().(error); got == nil || got.Error() != "still broken" {
		t.Errorf("Expected final handler error passed to hook, got %v", got)
	}
}

func TestWorkerUnroutableTaskFailsImmediately(t *testing.T) {
	storage := NewMemoryStorage()
	handler := NewTaskHandler("demo:known", func(ctx context.Context, _ struct{}) error {
		return nil
	})

	task := enqueueOne(t, storage, "demo:unknown", 10)
	startWorker(t, storage, handler)

	waitForStatus(t, storage, task, TaskStatusFailed)
}

func TestWorkerRequiresHandlers(t *testing.T) {
	worker, err := NewWorker(NewMemoryStorage())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := worker.Start(context.Background()); err == nil {
		t.Fatal("Expected error starting worker without handlers")
	}
}
