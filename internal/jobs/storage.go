package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage is the persistence backend shared by Enqueuer and Worker.
type Storage interface {
	// CreateTask stores a new pending task.
	CreateTask(ctx context.Context, task *Task) error

	// ClaimTask atomically claims the next runnable task in the queue:
	// pending tasks whose scheduled time has arrived, or processing tasks
	// whose lock has expired (abandoned by a dead worker).
	ClaimTask(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Task, error)

	// CompleteTask marks a claimed task completed.
	CompleteTask(ctx context.Context, taskID uuid.UUID) error

	// FailTask records a retryable failure: the retry count is incremented
	// and the task is rescheduled with backoff, or marked failed once the
	// retry budget is exhausted.
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error

	// KillTask marks the task failed immediately, bypassing retries.
	// Used for unrecoverable outcomes.
	KillTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error
}

// retryBackoff computes the delay before attempt n (1-based) is retried.
// Exponential: 30s, 60s, 120s, ... capped at 15 minutes.
func retryBackoff(retryCount int) time.Duration {
	backoff := 30 * time.Second
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return backoff
}
