package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEnqueueDefaults(t *testing.T) {
	storage := NewMemoryStorage()
	enq, err := NewEnqueuer(storage, "certs", 5)
	if err != nil {
		t.Fatalf("NewEnqueuer: %v", err)
	}

	type payload struct {
		ID string `json:"id"`
	}
	if err := enq.Enqueue(context.Background(), "demo:task", payload{ID: "abc"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tasks := storage.TasksByName("demo:task")
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Queue != "certs" || task.MaxRetries != 5 || task.Status != TaskStatusPending {
		t.Errorf("Unexpected task defaults: %+v", task)
	}

	var p payload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ID != "abc" {
		t.Errorf("Payload round-trip failed: %v %+v", err, p)
	}
}

func TestEnqueueWithDelay(t *testing.T) {
	storage := NewMemoryStorage()
	enq, _ := NewEnqueuer(storage, "certs", 0)

	before := time.Now()
	if err := enq.Enqueue(context.Background(), "demo:task", nil, WithDelay(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task := storage.TasksByName("demo:task")[0]
	if task.ScheduledAt.Before(before.Add(50 * time.Minute)) {
		t.Errorf("Expected delayed schedule, got %v", task.ScheduledAt)
	}

	// Not claimable until due.
	if _, err := storage.ClaimTask(context.Background(), uuid.New(), "certs", time.Minute); !errors.Is(err, ErrNoTaskToClaim) {
		t.Errorf("Expected no claimable task, got %v", err)
	}
}

func TestClaimCompleteLifecycle(t *testing.T) {
	storage := NewMemoryStorage()
	enq, _ := NewEnqueuer(storage, "certs", 3)
	_ = enq.Enqueue(context.Background(), "demo:task", nil)

	workerID := uuid.New()
	task, err := storage.ClaimTask(context.Background(), workerID, "certs", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task.Status != TaskStatusProcessing || task.LockedBy == nil || *task.LockedBy != workerID {
		t.Errorf("Unexpected claim state: %+v", task)
	}

	// Claimed tasks are invisible to other workers.
	if _, err := storage.ClaimTask(context.Background(), uuid.New(), "certs", time.Minute); !errors.Is(err, ErrNoTaskToClaim) {
		t.Errorf("Expected locked task to be unclaimable, got %v", err)
	}

	if err := storage.CompleteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	stored, _ := storage.GetTask(task.ID)
	if stored.Status != TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", stored.Status)
	}
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	storage := NewMemoryStorage()
	enq, _ := NewEnqueuer(storage, "certs", 3)
	_ = enq.Enqueue(context.Background(), "demo:task", nil)

	now := time.Now()
	storage.now = func() time.Time { return now }

	first, err := storage.ClaimTask(context.Background(), uuid.New(), "certs", time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// The first worker dies; its lock expires.
	storage.now = func() time.Time { return now.Add(2 * time.Minute) }

	second, err := storage.ClaimTask(context.Background(), uuid.New(), "certs", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the abandoned task to be reclaimed")
	}
}

func TestFailTaskBacksOffThenExhausts(t *testing.T) {
	storage := NewMemoryStorage()
	enq, _ := NewEnqueuer(storage, "certs", 1)
	_ = enq.Enqueue(context.Background(), "demo:task", nil)

	claim := func() *Task {
		t.Helper()
		task, err := storage.ClaimTask(context.Background(), uuid.New(), "certs", time.Minute)
		if err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		return task
	}

	now := time.Now()
	storage.now = func() time.Time { return now }

	task := claim()
	if err := storage.FailTask(context.Background(), task.ID, "boom"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	stored, _ := storage.GetTask(task.ID)
	if stored.Status != TaskStatusPending || stored.RetryCount != 1 {
		t.Fatalf("Expected rescheduled retry, got %+v", stored)
	}
	if got := stored.ScheduledAt.Sub(now); got != retryBackoff(1) {
		t.Errorf("Expected backoff %v, got %v", retryBackoff(1), got)
	}

	// Second failure exceeds max_retries=1.
	storage.now = func() time.Time { return stored.ScheduledAt.Add(time.Second) }
	task = claim()
	if err := storage.FailTask(context.Background(), task.ID, "boom again"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	stored, _ = storage.GetTask(task.ID)
	if stored.Status != TaskStatusFailed {
		t.Errorf("Expected failed after retries exhausted, got %s", stored.Status)
	}
	if stored.LastError == nil || *stored.LastError != "boom again" {
		t.Errorf("Expected last error recorded")
	}
}

func TestKillTaskBypassesRetries(t *testing.T) {
	storage := NewMemoryStorage()
	enq, _ := NewEnqueuer(storage, "certs", 10)
	_ = enq.Enqueue(context.Background(), "demo:task", nil)

	task, _ := storage.ClaimTask(context.Background(), uuid.New(), "certs", time.Minute)
	if err := storage.KillTask(context.Background(), task.ID, "unrecoverable"); err != nil {
		t.Fatalf("KillTask: %v", err)
	}
	stored, _ := storage.GetTask(task.ID)
	if stored.Status != TaskStatusFailed {
		t.Errorf("Expected failed, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Errorf("Expected no retry attempts, got %d", stored.RetryCount)
	}
}

func TestRetryBackoffCaps(t *testing.T) {
	if retryBackoff(1) != 30*time.Second {
		t.Errorf("Expected 30s base backoff, got %v", retryBackoff(1))
	}
	if retryBackoff(2) != time.Minute {
		t.Errorf("Expected doubling, got %v", retryBackoff(2))
	}
	if retryBackoff(20) != 15*time.Minute {
		t.Errorf("Expected 15m cap, got %v", retryBackoff(20))
	}
}

func TestTypedHandlerRejectsMalformedPayload(t *testing.T) {
	type payload struct {
		ID string `json:"id"`
	}
	handler := NewTaskHandler("demo:task", func(ctx context.Context, p payload) error {
		return nil
	})

	err := handler.Handle(context.Background(), json.RawMessage(`{not json`))
	if !IsTerminal(err) {
		t.Fatalf("Expected terminal error for malformed payload, got %v", err)
	}
}

func TestTerminalWrapping(t *testing.T) {
	base := errors.New("no way forward")
	wrapped := Terminal(base)

	if !IsTerminal(wrapped) {
		t.Errorf("Expected IsTerminal true")
	}
	if !errors.Is(wrapped, base) {
		t.Errorf("Expected wrapped error to unwrap to base")
	}
	if IsTerminal(base) {
		t.Errorf("Plain errors must not be terminal")
	}
	if IsTerminal(nil) {
		t.Errorf("nil must not be terminal")
	}
}
