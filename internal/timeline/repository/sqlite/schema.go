package sqlite

import (
	"fmt"
	"strings"

	"github.com/samotage/claude-headspace/internal/db/dialect"
)

// initSchema creates the timeline tables if they don't exist. Statements
// are idempotent; there is no migration tool, the daemon owns its schema.
func (s *Store) initSchema() error {
	if err := s.initProjectAgentSchema(); err != nil {
		return err
	}
	if err := s.initTaskTurnSchema(); err != nil {
		return err
	}
	if err := s.initEventSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initProjectAgentSchema() error {
	_, err := s.pool.Writer().Exec(s.dialectFixups(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		upstream_repo TEXT NOT NULL DEFAULT '',
		paused INTEGER NOT NULL DEFAULT 0,
		paused_at TIMESTAMP,
		pause_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		pane_id TEXT NOT NULL DEFAULT '',
		transcript_path TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		priority_score REAL NOT NULL DEFAULT 0,
		priority_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	`))
	return err
}

func (s *Store) initTaskTurnSchema() error {
	_, err := s.pool.Writer().Exec(s.dialectFixups(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (
		id %[1]s,
		agent_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'IDLE',
		command_text TEXT NOT NULL DEFAULT '',
		output_text TEXT NOT NULL DEFAULT '',
		instruction_summary TEXT NOT NULL DEFAULT '',
		completion_summary TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS turns (
		id %[1]s,
		task_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		intent TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		timestamp_source TEXT NOT NULL DEFAULT 'server',
		content_hash TEXT NOT NULL DEFAULT '',
		answers_turn_id INTEGER,
		question TEXT NOT NULL DEFAULT '',
		file TEXT NOT NULL DEFAULT '',
		is_internal INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		summary_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`, dialect.AutoIncrementPK(s.driver))))
	return err
}

func (s *Store) initEventSchema() error {
	_, err := s.pool.Writer().Exec(s.dialectFixups(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS events (
		id %s,
		agent_id TEXT,
		task_id INTEGER,
		turn_id INTEGER,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		"trigger" TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE SET NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE SET NULL,
		FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE SET NULL
	);
	`, dialect.AutoIncrementPK(s.driver))))
	return err
}

func (s *Store) initIndexes() error {
	// The partial unique index is the "one live agent per session" rule.
	_, err := s.pool.Writer().Exec(`
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_live_session
		ON agents(session_id) WHERE ended_at IS NULL AND session_id != '';
	CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
	CREATE INDEX IF NOT EXISTS idx_agents_last_seen ON agents(last_seen_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent_state ON tasks(agent_id, state);
	CREATE INDEX IF NOT EXISTS idx_turns_task_order ON turns(task_id, timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_turns_task_hash ON turns(task_id, content_hash);
	CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
	`)
	return err
}

// dialectFixups rewrites the SQLite-flavored DDL for Postgres.
func (s *Store) dialectFixups(ddl string) string {
	if !dialect.IsPostgres(s.driver) {
		return ddl
	}
	ddl = strings.ReplaceAll(ddl, "REAL", "DOUBLE PRECISION")
	return ddl
}
