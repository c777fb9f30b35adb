package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOption tweaks a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue      string
	maxRetries int
	delay      time.Duration
}

// WithQueue routes the task to a specific queue.
func WithQueue(queue string) EnqueueOption {
	return func(o *enqueueOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithMaxRetries overrides the retry budget for this task.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithDelay defers the first execution.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// Enqueuer creates tasks with configurable defaults.
type Enqueuer struct {
	storage           Storage
	defaultQueue      string
	defaultMaxRetries int
}

// NewEnqueuer returns an Enqueuer writing to storage.
func NewEnqueuer(storage Storage, defaultQueue string, defaultMaxRetries int) (*Enqueuer, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if defaultQueue == "" {
		defaultQueue = DefaultQueueName
	}
	if defaultMaxRetries < 0 {
		defaultMaxRetries = 0
	}
	return &Enqueuer{
		storage:           storage,
		defaultQueue:      defaultQueue,
		defaultMaxRetries: defaultMaxRetries,
	}, nil
}

// Enqueue adds a new task with the given name and JSON-marshaled payload.
func (e *Enqueuer) Enqueue(ctx context.Context, taskName string, payload any, opts ...EnqueueOption) error {
	if taskName == "" {
		return fmt.Errorf("task name cannot be empty")
	}

	options := &enqueueOptions{
		queue:      e.defaultQueue,
		maxRetries: e.defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(options)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for task %q: %w", taskName, err)
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.New(),
		Queue:       options.queue,
		TaskName:    taskName,
		Payload:     payloadBytes,
		Status:      TaskStatusPending,
		MaxRetries:  options.maxRetries,
		ScheduledAt: now.Add(options.delay),
		CreatedAt:   now,
	}

	if err := e.storage.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create task %q in queue %q: %w", taskName, task.Queue, err)
	}
	return nil
}
