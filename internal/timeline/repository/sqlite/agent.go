package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

const agentColumns = `id, project_id, session_id, pane_id, transcript_path, started_at, last_seen_at, ended_at, priority_score, priority_reason, created_at, updated_at`

// CreateAgent creates a new agent. A second live agent with the same
// session id is rejected by the partial unique index.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.StartedAt.IsZero() {
		agent.StartedAt = now
	}
	if agent.LastSeenAt.IsZero() {
		agent.LastSeenAt = now
	}
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := s.w.ExecContext(ctx, s.w.Rebind(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.ProjectID, agent.SessionID, agent.PaneID, agent.TranscriptPath,
		agent.StartedAt, agent.LastSeenAt, agent.EndedAt, agent.PriorityScore,
		agent.PriorityReason, agent.CreatedAt, agent.UpdatedAt)
	return mapError(err)
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`), id)
	return scanAgent(row)
}

// GetAgentBySessionID retrieves the most recently seen agent registered
// for the external session identifier.
func (s *Store) GetAgentBySessionID(ctx context.Context, sessionID string) (*models.Agent, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE session_id = ?
		ORDER BY last_seen_at DESC, started_at DESC
		LIMIT 1
	`), sessionID)
	return scanAgent(row)
}

// UpdateAgent updates an existing agent. An ended agent rejects updates
// that would clear ended_at.
func (s *Store) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE agents
		SET session_id = ?, pane_id = ?, transcript_path = ?, last_seen_at = ?,
			ended_at = ?, priority_score = ?, priority_reason = ?, updated_at = ?
		WHERE id = ? AND (ended_at IS NULL OR ? IS NOT NULL)
	`), agent.SessionID, agent.PaneID, agent.TranscriptPath, agent.LastSeenAt,
		agent.EndedAt, agent.PriorityScore, agent.PriorityReason, agent.UpdatedAt,
		agent.ID, agent.EndedAt)
	if err != nil {
		return mapError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetAgent(ctx, agent.ID); err != nil {
			return err
		}
		return repository.ErrConstraintViolated
	}
	return nil
}

// TouchAgent advances the agent's last-seen timestamp. Stale touches
// (older than the stored value) are ignored.
func (s *Store) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	seenAt = seenAt.UTC()
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE agents SET last_seen_at = ?, updated_at = ?
		WHERE id = ? AND last_seen_at < ?
	`), seenAt, time.Now().UTC(), id, seenAt)
	if err != nil {
		return mapError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetAgent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkAgentEnded sets ended_at once; later calls are no-ops.
func (s *Store) MarkAgentEnded(ctx context.Context, id string, endedAt time.Time) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE agents SET ended_at = ?, updated_at = ?
		WHERE id = ? AND ended_at IS NULL
	`), endedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return mapError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetAgent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListAgents lists agents, optionally scoped to a project, ordered by
// started_at.
func (s *Store) ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY started_at, id`
	return s.listAgents(ctx, query, args...)
}

// ListActiveAgents lists agents with no ended_at, ordered by started_at.
func (s *Store) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.listAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE ended_at IS NULL
		ORDER BY started_at, id
	`)
}

// MostRecentAgentForProject returns the live agent with the newest
// last_seen_at in the project.
func (s *Store) MostRecentAgentForProject(ctx context.Context, projectID string) (*models.Agent, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE project_id = ? AND ended_at IS NULL
		ORDER BY last_seen_at DESC, started_at DESC
		LIMIT 1
	`), projectID)
	return scanAgent(row)
}

func (s *Store) listAgents(ctx context.Context, query string, args ...any) ([]*models.Agent, error) {
	rows, err := s.r.QueryxContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var endedAt sql.NullTime
	err := row.Scan(&agent.ID, &agent.ProjectID, &agent.SessionID, &agent.PaneID,
		&agent.TranscriptPath, &agent.StartedAt, &agent.LastSeenAt, &endedAt,
		&agent.PriorityScore, &agent.PriorityReason, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		agent.EndedAt = &t
	}
	return agent, nil
}
