package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/samotage/claude-headspace/internal/db/dialect"
	"github.com/samotage/claude-headspace/internal/timeline/models"
)

const eventColumns = `id, agent_id, task_id, turn_id, from_state, to_state, "trigger", confidence, created_at`

// AppendEvent appends an audit event. Events are never updated or
// deleted; entity references are nulled when their rows go away.
func (s *Store) AppendEvent(ctx context.Context, event *models.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	id, err := dialect.InsertReturningID(ctx, s.w, `
		INSERT INTO events (agent_id, task_id, turn_id, from_state, to_state, "trigger", confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.AgentID, event.TaskID, event.TurnID, event.FromState, event.ToState,
		event.Trigger, event.Confidence, event.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	event.ID = id
	return nil
}

// ListEventsForAgent lists the agent's events, newest first.
func (s *Store) ListEventsForAgent(ctx context.Context, agentID string, limit int) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM events
		WHERE agent_id = ?
		ORDER BY id DESC
	`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listEvents(ctx, query, args...)
}

// ListEventsForTask lists the task's events in append order.
func (s *Store) ListEventsForTask(ctx context.Context, taskID int64) ([]*models.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := s.r.QueryxContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*models.Event, error) {
	event := &models.Event{}
	var agentID sql.NullString
	var taskID, turnID sql.NullInt64
	err := row.Scan(&event.ID, &agentID, &taskID, &turnID, &event.FromState,
		&event.ToState, &event.Trigger, &event.Confidence, &event.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if agentID.Valid {
		id := agentID.String
		event.AgentID = &id
	}
	if taskID.Valid {
		id := taskID.Int64
		event.TaskID = &id
	}
	if turnID.Valid {
		id := turnID.Int64
		event.TurnID = &id
	}
	return event, nil
}
