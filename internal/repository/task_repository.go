package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// TaskRepository persists approver work items.
type TaskRepository struct {
	db *database.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *database.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, assignee_id, request_type, request_id, stage, title, status, due_at, completed_at, created_at, updated_at`

// Create inserts a pending task.
func (r *TaskRepository) Create(ctx context.Context, t *Task) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO tasks (assignee_id, request_type, request_id, stage, title, status, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, t.AssigneeID, t.RequestType, t.RequestID, t.Stage, t.Title, TaskPending, t.DueAt).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create task")
	}
	t.Status = TaskPending
	return nil
}

// ListForUser returns a user's tasks, open ones first, soonest due first.
// Tasks past their due date are flipped to overdue before reading so callers
// never observe a stale pending status.
func (r *TaskRepository) ListForUser(ctx context.Context, assigneeID string, now time.Time) ([]*Task, error) {
	if err := r.MarkOverdue(ctx, now); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE assignee_id = $1
		ORDER BY (status = 'completed') ASC, due_at ASC NULLS LAST, created_at ASC
	`, assigneeID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list tasks")
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CompleteForStage completes the open task(s) for a request stage once a
// decision lands.
func (r *TaskRepository) CompleteForStage(ctx context.Context, requestType, requestID string, stage int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE request_type = $1 AND request_id = $2 AND stage = $3
		  AND status IN ('pending', 'overdue')
	`, requestType, requestID, stage)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to complete tasks")
	}
	return nil
}

// CompleteForRequest closes every open task for a request. Used when a
// terminal decision halts the workflow.
func (r *TaskRepository) CompleteForRequest(ctx context.Context, requestType, requestID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE request_type = $1 AND request_id = $2
		  AND status IN ('pending', 'overdue')
	`, requestType, requestID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to close request tasks")
	}
	return nil
}

// MarkOverdue flips pending tasks whose due date has passed.
func (r *TaskRepository) MarkOverdue(ctx context.Context, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'overdue', updated_at = NOW()
		WHERE status = 'pending' AND due_at IS NOT NULL AND due_at < $1
	`, now)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to mark overdue tasks")
	}
	return nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		err := rows.Scan(
			&t.ID,
			&t.AssigneeID,
			&t.RequestType,
			&t.RequestID,
			&t.Stage,
			&t.Title,
			&t.Status,
			&t.DueAt,
			&t.CompletedAt,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
