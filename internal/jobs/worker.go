package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

// ExhaustionHook runs after a retryable failure permanently fails a task
// because its retry budget is spent. It receives the final handler error.
// The hook is not called for terminal or unroutable tasks.
type ExhaustionHook func(ctx context.Context, task *Task, taskErr error)

type workerOptions struct {
	queue              string
	pollInterval       time.Duration
	lockTimeout        time.Duration
	maxConcurrentTasks int
	logger             *slog.Logger
	exhaustionHook     ExhaustionHook
}

// WithWorkerQueue sets the queue the worker pulls from.
func WithWorkerQueue(queue string) WorkerOption {
	return func(o *workerOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithPollInterval sets how often the worker polls for tasks.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLockTimeout sets how long a claimed task stays locked. Tasks running
// past the lock are considered abandoned and may be re-claimed.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithMaxConcurrentTasks bounds parallel task execution.
func WithMaxConcurrentTasks(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.maxConcurrentTasks = n
		}
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithExhaustionHook installs a hook invoked when a task fails for good
// after spending its retry budget.
func WithExhaustionHook(hook ExhaustionHook) WorkerOption {
	return func(o *workerOptions) {
		o.exhaustionHook = hook
	}
}

// Worker pulls tasks from storage and dispatches them to registered
// handlers. Retryable handler errors reschedule the task with backoff;
// errors wrapped with Terminal fail the task immediately.
type Worker struct {
	storage  Storage
	handlers map[string]Handler
	workerID uuid.UUID
	queue    string
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	pollInterval   time.Duration
	lockTimeout    time.Duration
	logger         *slog.Logger
	exhaustionHook ExhaustionHook

	cancel context.CancelFunc
}

// NewWorker creates a worker bound to one queue.
func NewWorker(storage Storage, opts ...WorkerOption) (*Worker, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	options := &workerOptions{
		queue:              DefaultQueueName,
		pollInterval:       5 * time.Second,
		lockTimeout:        5 * time.Minute,
		maxConcurrentTasks: 4,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		storage:        storage,
		handlers:       make(map[string]Handler),
		workerID:       uuid.New(),
		queue:          options.queue,
		sem:            make(chan struct{}, options.maxConcurrentTasks),
		pollInterval:   options.pollInterval,
		lockTimeout:    options.lockTimeout,
		logger:         options.logger,
		exhaustionHook: options.exhaustionHook,
	}, nil
}

// RegisterHandler registers a task handler by its name.
func (w *Worker) RegisterHandler(handler Handler) {
	if handler == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[handler.Name()] = handler
}

// RegisterHandlers registers multiple handlers.
func (w *Worker) RegisterHandlers(handlers ...Handler) {
	for _, h := range handlers {
		w.RegisterHandler(h)
	}
}

// Start runs the polling loop until ctx is cancelled. Blocking; run in a
// goroutine or via an errgroup.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return fmt.Errorf("worker has no registered handlers")
	}
	var runCtx context.Context
	runCtx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker started",
		"worker_id", w.workerID.String(),
		"queue", w.queue,
		"max_concurrent", cap(w.sem))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			w.logger.Info("worker stopping", "worker_id", w.workerID.String())
			w.wg.Wait()
			return runCtx.Err()
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()
					w.pullAndProcess(runCtx)
				}()
			default:
				// All slots busy; skip this tick.
			}
		}
	}
}

// Stop cancels the polling loop and waits for in-flight tasks.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) pullAndProcess(ctx context.Context) {
	task, err := w.storage.ClaimTask(ctx, w.workerID, w.queue, w.lockTimeout)
	if err != nil {
		if !errors.Is(err, ErrNoTaskToClaim) && !errors.Is(err, context.Canceled) {
			w.logger.Error("failed to claim task", "worker_id", w.workerID.String(), "error", err)
		}
		return
	}
	w.processTask(ctx, task)
}

func (w *Worker) processTask(ctx context.Context, task *Task) {
	start := time.Now()

	// A panicking handler must not take down the worker; treat it as a
	// retryable task failure.
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				"worker_id", w.workerID.String(),
				"task_id", task.ID.String(),
				"task_name", task.TaskName,
				"panic", r)
			w.failTask(ctx, task, fmt.Errorf("panic in handler: %v", r))
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()

	if !ok {
		// No retry can help an unroutable task.
		w.logger.Error("no handler registered for task",
			"task_id", task.ID.String(), "task_name", task.TaskName)
		if err := w.storage.KillTask(ctx, task.ID, ErrHandlerNotFound.Error()); err != nil {
			w.logger.Error("failed to kill unroutable task", "task_id", task.ID.String(), "error", err)
		}
		return
	}

	// Tasks get their own deadline so worker shutdown does not cut a stage
	// off mid-write; abandoned work is re-claimed after the lock expires.
	taskCtx, cancel := context.WithTimeout(context.Background(), w.lockTimeout)
	defer cancel()

	err := handler.Handle(taskCtx, task.Payload)
	duration := time.Since(start)

	if err != nil {
		w.failTask(ctx, task, err)
		return
	}

	if err := w.storage.CompleteTask(ctx, task.ID); err != nil {
		w.logger.Error("failed to mark task completed", "task_id", task.ID.String(), "error", err)
		return
	}

	w.logger.Info("task completed",
		"worker_id", w.workerID.String(),
		"task_id", task.ID.String(),
		"task_name", task.TaskName,
		"duration", duration)
}

func (w *Worker) failTask(ctx context.Context, task *Task, execErr error) {
	if IsTerminal(execErr) {
		w.logger.Error("task failed terminally",
			"task_id", task.ID.String(),
			"task_name", task.TaskName,
			"error", execErr.Error())
		if err := w.storage.KillTask(ctx, task.ID, execErr.Error()); err != nil {
			w.logger.Error("failed to kill task", "task_id", task.ID.String(), "error", err)
		}
		return
	}

	// task carries the claim-time retry count; FailTask increments it, so
	// this attempt was the last one when the count already meets the budget.
	exhausted := task.RetryCount >= task.MaxRetries

	w.logger.Warn("task failed, will retry if budget remains",
		"task_id", task.ID.String(),
		"task_name", task.TaskName,
		"retry_count", task.RetryCount,
		"max_retries", task.MaxRetries,
		"error", execErr.Error())
	if err := w.storage.FailTask(ctx, task.ID, execErr.Error()); err != nil {
		w.logger.Error("failed to record task failure", "task_id", task.ID.String(), "error", err)
		return
	}

	if exhausted {
		w.logger.Error("task retry budget exhausted",
			"task_id", task.ID.String(),
			"task_name", task.TaskName,
			"max_retries", task.MaxRetries,
			"error", execErr.Error())
		if w.exhaustionHook != nil {
			w.exhaustionHook(ctx, task, execErr)
		}
	}
}
