package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresStorage implements Storage on PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim, and the
// lock column makes tasks abandoned by a dead worker claimable again once
// the lock expires.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage wraps an open database handle.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) CreateTask(ctx context.Context, task *Task) error {
	query := `INSERT INTO tasks (id, queue, task_name, payload, status, retry_count, max_retries, scheduled_at, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query,
		task.ID.String(), task.Queue, task.TaskName, []byte(task.Payload),
		string(task.Status), task.RetryCount, task.MaxRetries, task.ScheduledAt, task.CreatedAt)
	return err
}

func (s *PostgresStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Task, error) {
	now := time.Now()
	lockUntil := now.Add(lockFor)

	query := `UPDATE tasks SET status = 'processing', locked_until = $1, locked_by = $2
	          WHERE id = (
	              SELECT id FROM tasks
	              WHERE queue = $3
	                AND ((status = 'pending' AND scheduled_at <= $4)
	                  OR (status = 'processing' AND locked_until < $4))
	              ORDER BY scheduled_at
	              LIMIT 1
	              FOR UPDATE SKIP LOCKED)
	          RETURNING id, queue, task_name, payload, status, retry_count, max_retries, scheduled_at, locked_until, last_error, created_at`

	var (
		task        Task
		id          string
		lockedUntil sql.NullTime
		lastError   sql.NullString
		payload     []byte
	)
	errRow := s.db.QueryRowContext(ctx, query, lockUntil, workerID.String(), queue, now).Scan(
		&id, &task.Queue, &task.TaskName, &payload, &task.Status,
		&task.RetryCount, &task.MaxRetries, &task.ScheduledAt, &lockedUntil, &lastError, &task.CreatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, ErrNoTaskToClaim
	}
	if errRow != nil {
		return nil, errRow
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	task.ID = parsed
	task.Payload = payload
	if lockedUntil.Valid {
		t := lockedUntil.Time
		task.LockedUntil = &t
	}
	if lastError.Valid {
		e := lastError.String
		task.LastError = &e
	}
	task.LockedBy = &workerID

	return &task, nil
}

func (s *PostgresStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	query := `UPDATE tasks SET status = 'completed', locked_until = NULL, locked_by = NULL
	          WHERE id = $1 AND status = 'processing'`
	res, err := s.db.ExecContext(ctx, query, taskID.String())
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

func (s *PostgresStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	// Single statement keeps increment-and-decide atomic under concurrent
	// lock expiry.
	query := `UPDATE tasks SET
	              retry_count = retry_count + 1,
	              last_error = $2,
	              locked_until = NULL,
	              locked_by = NULL,
	              status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
	              scheduled_at = CASE WHEN retry_count + 1 > max_retries THEN scheduled_at ELSE $3 END
	          WHERE id = $1 AND status = 'processing'`

	var current Task
	row := s.db.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE id = $1`, taskID.String())
	if err := row.Scan(&current.RetryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("task not found")
		}
		return err
	}

	nextRun := time.Now().Add(retryBackoff(current.RetryCount + 1))
	res, err := s.db.ExecContext(ctx, query, taskID.String(), errorMsg, nextRun)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

func (s *PostgresStorage) KillTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	query := `UPDATE tasks SET status = 'failed', last_error = $2, locked_until = NULL, locked_by = NULL
	          WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, taskID.String(), errorMsg)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

func requireRow(res sql.Result, taskID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("task " + taskID.String() + " not found or not claimable")
	}
	return nil
}
