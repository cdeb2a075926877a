package repository

import (
	"context"
	"time"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// ListTurnsOptions controls paginated turn reads.
type ListTurnsOptions struct {
	BeforeTurnID    int64 // 0 means no upper bound
	Limit           int   // capped by the caller; 0 means store default
	IncludeInternal bool
}

// Store defines the interface for timeline storage operations.
//
// All reads of turns are ordered by (timestamp, id) and all reads of tasks
// by started_at; those orderings are part of the contract, not an
// implementation detail.
type Store interface {
	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	UpsertProjectByPath(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentBySessionID(ctx context.Context, sessionID string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	TouchAgent(ctx context.Context, id string, seenAt time.Time) error
	MarkAgentEnded(ctx context.Context, id string, endedAt time.Time) error
	ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error)
	ListActiveAgents(ctx context.Context) ([]*models.Agent, error)
	MostRecentAgentForProject(ctx context.Context, projectID string) (*models.Agent, error)

	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	// CurrentTaskForAgent returns the most recent non-COMPLETE task, or
	// ErrNotFound when the agent is idle.
	CurrentTaskForAgent(ctx context.Context, agentID string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error)
	ListIncompleteTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error)

	// Turn operations
	CreateTurn(ctx context.Context, turn *models.Turn) error
	GetTurn(ctx context.Context, id int64) (*models.Turn, error)
	UpdateTurn(ctx context.Context, turn *models.Turn) error
	ListTurnsForTask(ctx context.Context, taskID int64, opts ListTurnsOptions) ([]*models.Turn, error)
	// FindTurnByHash matches any of the given content hashes among turns of
	// the task newer than the cutoff. Used by the reconciler for dedup.
	FindTurnByHash(ctx context.Context, taskID int64, hashes []string, since time.Time) (*models.Turn, error)
	// FindTurnByHashForAgent matches hashes across all of the agent's tasks.
	// Replays with no open task (a full pass after completion, a retried
	// stop hook) must still dedup against the closed timeline.
	FindTurnByHashForAgent(ctx context.Context, agentID string, hashes []string, since time.Time) (*models.Turn, error)
	LatestTurnForTask(ctx context.Context, taskID int64, actor models.Actor, intent models.Intent) (*models.Turn, error)

	// Event operations (append-only)
	AppendEvent(ctx context.Context, event *models.Event) error
	ListEventsForAgent(ctx context.Context, agentID string, limit int) ([]*models.Event, error)
	ListEventsForTask(ctx context.Context, taskID int64) ([]*models.Event, error)

	// WithTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Close closes the store (for database connections)
	Close() error
}
