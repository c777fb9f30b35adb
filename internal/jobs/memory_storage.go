package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage in memory. Used in tests and local
// development. Expired locks are reclaimed lazily during ClaimTask, so no
// background goroutine is needed.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task

	// now is swappable for deterministic backoff tests.
	now func() time.Time
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[uuid.UUID]*Task),
		now:   time.Now,
	}
}

// CreateTask stores a new task.
func (ms *MemoryStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	taskCopy := *task
	ms.tasks[task.ID] = &taskCopy
	return nil
}

// ClaimTask claims the earliest runnable task in the queue. Processing
// tasks whose lock expired are runnable again (at-least-once delivery).
func (ms *MemoryStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var best *Task
	for _, task := range ms.tasks {
		if task.Queue != queue {
			continue
		}
		runnable := (task.Status == TaskStatusPending && !task.ScheduledAt.After(now)) ||
			(task.Status == TaskStatusProcessing && task.LockedUntil != nil && task.LockedUntil.Before(now))
		if !runnable {
			continue
		}
		if best == nil || task.ScheduledAt.Before(best.ScheduledAt) {
			best = task
		}
	}

	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(lockFor)
	best.Status = TaskStatusProcessing
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID

	taskCopy := *best
	return &taskCopy, nil
}

// CompleteTask marks a claimed task completed.
func (ms *MemoryStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != TaskStatusProcessing {
		return fmt.Errorf("task %s is not in processing state", taskID)
	}

	task.Status = TaskStatusCompleted
	task.LockedUntil = nil
	task.LockedBy = nil
	return nil
}

// FailTask reschedules with backoff or marks failed when retries run out.
func (ms *MemoryStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != TaskStatusProcessing {
		return fmt.Errorf("task %s is not in processing state", taskID)
	}

	task.RetryCount++
	task.LastError = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount > task.MaxRetries {
		task.Status = TaskStatusFailed
		return nil
	}

	task.Status = TaskStatusPending
	task.ScheduledAt = ms.now().Add(retryBackoff(task.RetryCount))
	return nil
}

// KillTask marks a task failed immediately, bypassing retries.
func (ms *MemoryStorage) KillTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	task.Status = TaskStatusFailed
	task.LastError = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil
	return nil
}

// GetTask returns a copy of the task for inspection in tests.
func (ms *MemoryStorage) GetTask(taskID uuid.UUID) (*Task, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, false
	}
	taskCopy := *task
	return &taskCopy, true
}

// TasksByName returns copies of all tasks with the given name, for tests.
func (ms *MemoryStorage) TasksByName(taskName string) []Task {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Task
	for _, task := range ms.tasks {
		if task.TaskName == taskName {
			out = append(out, *task)
		}
	}
	return out
}
