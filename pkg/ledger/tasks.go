package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateTask inserts a task in the working state.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskWorking
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (tenant_id, project_id, graph_id, id, context_id, agent_id, status, status_reason, metadata, created_at, updated_at)
		VALUES (:tenant_id, :project_id, :graph_id, :id, :context_id, :agent_id, :status, :status_reason, :metadata, :created_at, :updated_at)`, t)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetTask fetches a task.
func (s *Store) GetTask(ctx context.Context, tenantID, projectID, id string) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t,
		`SELECT * FROM tasks WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// UpdateTaskStatus transitions a task. Terminal tasks are immutable:
// transitioning one is rejected.
func (s *Store) UpdateTaskStatus(ctx context.Context, tenantID, projectID, id string, status TaskStatus, reason string) error {
	t, err := s.GetTask(ctx, tenantID, projectID, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrConflict)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, status_reason = ?, updated_at = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		string(status), reason, time.Now().UTC(), tenantID, projectID, id)
	return err
}

// SetTaskMetadata merges keys into the task metadata document.
func (s *Store) SetTaskMetadata(ctx context.Context, tenantID, projectID, id string, patch map[string]any) error {
	t, err := s.GetTask(ctx, tenantID, projectID, id)
	if err != nil {
		return err
	}
	meta := t.Metadata
	if meta == nil {
		meta = JSONMap{}
	}
	for k, v := range patch {
		meta[k] = v
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET metadata = ?, updated_at = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		meta, time.Now().UTC(), tenantID, projectID, id)
	return err
}

// CompleteTransfer finalizes a transfer atomically: the conversation's
// active agent moves to the target and the task completes in the same
// transaction.
func (s *Store) CompleteTransfer(ctx context.Context, tenantID, projectID, conversationID, taskID, targetAgentID string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET active_agent_id = ?, updated_at = ?
			WHERE tenant_id = ? AND project_id = ? AND id = ?`,
			targetAgentID, now, tenantID, projectID, conversationID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE tenant_id = ? AND project_id = ? AND id = ? AND status = ?`,
			string(TaskCompleted), now, tenantID, projectID, taskID, string(TaskWorking))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListTasksByContext lists the tasks of a conversation, newest last.
func (s *Store) ListTasksByContext(ctx context.Context, tenantID, projectID, contextID string) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM tasks
		WHERE tenant_id = ? AND project_id = ? AND context_id = ?
		ORDER BY created_at ASC, id ASC`, tenantID, projectID, contextID)
	return tasks, err
}
