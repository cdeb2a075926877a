package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/samotage/claude-headspace/internal/db/dialect"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

const taskColumns = `id, agent_id, state, command_text, output_text, instruction_summary, completion_summary, started_at, completed_at, created_at, updated_at`

// CreateTask creates a new task.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.StartedAt.IsZero() {
		task.StartedAt = now
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	id, err := dialect.InsertReturningID(ctx, s.w, `
		INSERT INTO tasks (agent_id, state, command_text, output_text, instruction_summary, completion_summary, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.AgentID, task.State, task.CommandText, task.OutputText,
		task.InstructionSummary, task.CompletionSummary, task.StartedAt,
		task.CompletedAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	task.ID = id
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	return scanTask(row)
}

// CurrentTaskForAgent returns the most recent non-COMPLETE task, or
// ErrNotFound when the agent is idle.
func (s *Store) CurrentTaskForAgent(ctx context.Context, agentID string) (*models.Task, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE agent_id = ? AND state != ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`), agentID, models.TaskStateComplete)
	return scanTask(row)
}

// UpdateTask updates an existing task. A COMPLETE task only accepts
// updates that keep it COMPLETE (summary back-fills).
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE tasks
		SET state = ?, command_text = ?, output_text = ?, instruction_summary = ?,
			completion_summary = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND (state != ? OR ? = ?)
	`), task.State, task.CommandText, task.OutputText, task.InstructionSummary,
		task.CompletionSummary, task.CompletedAt, task.UpdatedAt,
		task.ID, models.TaskStateComplete, task.State, models.TaskStateComplete)
	if err != nil {
		return mapError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetTask(ctx, task.ID); err != nil {
			return err
		}
		return repository.ErrConstraintViolated
	}
	return nil
}

// ListTasksForAgent lists tasks ordered by started_at then id.
func (s *Store) ListTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE agent_id = ?
		ORDER BY started_at, id
	`, agentID)
}

// ListIncompleteTasksForAgent lists the agent's non-COMPLETE tasks
// ordered by started_at.
func (s *Store) ListIncompleteTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	return s.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE agent_id = ? AND state != ?
		ORDER BY started_at, id
	`, agentID, models.TaskStateComplete)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.r.QueryxContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var completedAt sql.NullTime
	err := row.Scan(&task.ID, &task.AgentID, &task.State, &task.CommandText,
		&task.OutputText, &task.InstructionSummary, &task.CompletionSummary,
		&task.StartedAt, &completedAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return task, nil
}
