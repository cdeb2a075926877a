package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// MemoryStore provides in-memory timeline storage. It is the test double and
// the zero-configuration fallback; the SQLite store is the production path.
type MemoryStore struct {
	projects map[string]*models.Project
	agents   map[string]*models.Agent
	tasks    map[int64]*models.Task
	turns    map[int64]*models.Turn
	events   []*models.Event

	nextTaskID  int64
	nextTurnID  int64
	nextEventID int64

	mu sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory timeline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*models.Project),
		agents:   make(map[string]*models.Agent),
		tasks:    make(map[int64]*models.Task),
		turns:    make(map[int64]*models.Turn),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// WithTx runs fn directly. The in-memory store applies mutations
// immediately; per-agent serialization comes from the lock manager, so
// single-process callers observe the same ordering as the SQLite store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(s)
}

// Project operations

// CreateProject creates a new project.
func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Path == project.Path || existing.Slug == project.Slug {
			return ErrConstraintViolated
		}
	}

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	s.projects[project.ID] = cloneProject(project)
	return nil
}

// UpsertProjectByPath creates the project or refreshes the existing row
// keyed by its unique path.
func (s *MemoryStore) UpsertProjectByPath(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Path == project.Path {
			existing.Name = project.Name
			existing.UpdatedAt = time.Now().UTC()
			*project = *cloneProject(existing)
			return nil
		}
	}

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	s.projects[project.ID] = cloneProject(project)
	return nil
}

// GetProject retrieves a project by ID.
func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProject(project), nil
}

// GetProjectByPath retrieves a project by its unique filesystem path.
func (s *MemoryStore) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, project := range s.projects {
		if project.Path == path {
			return cloneProject(project), nil
		}
	}
	return nil, ErrNotFound
}

// GetProjectBySlug retrieves a project by its unique slug.
func (s *MemoryStore) GetProjectBySlug(ctx context.Context, slug string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, project := range s.projects {
		if project.Slug == slug {
			return cloneProject(project), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateProject updates an existing project.
func (s *MemoryStore) UpdateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[project.ID]; !ok {
		return ErrNotFound
	}
	project.UpdatedAt = time.Now().UTC()
	s.projects[project.ID] = cloneProject(project)
	return nil
}

// DeleteProject deletes a project, cascading to its agents, tasks, and
// turns. Events referencing the deleted rows keep their payload but lose
// their entity references.
func (s *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)

	for agentID, agent := range s.agents {
		if agent.ProjectID != id {
			continue
		}
		delete(s.agents, agentID)
		for taskID, task := range s.tasks {
			if task.AgentID != agentID {
				continue
			}
			delete(s.tasks, taskID)
			for turnID, turn := range s.turns {
				if turn.TaskID == taskID {
					delete(s.turns, turnID)
					s.nullEventTurnRefs(turnID)
				}
			}
			s.nullEventTaskRefs(taskID)
		}
		s.nullEventAgentRefs(agentID)
	}
	return nil
}

// ListProjects lists all projects ordered by creation time.
func (s *MemoryStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]*models.Project, 0, len(s.projects))
	for _, project := range s.projects {
		projects = append(projects, cloneProject(project))
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

// Agent operations

// CreateAgent creates a new agent.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[agent.ProjectID]; !ok {
		return ErrConstraintViolated
	}
	if agent.SessionID != "" {
		for _, existing := range s.agents {
			if existing.SessionID == agent.SessionID && !existing.IsEnded() {
				return ErrDuplicateSession
			}
		}
	}

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

	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

// GetAgentBySessionID retrieves the most recently seen agent registered for
// the external session identifier.
func (s *MemoryStore) GetAgentBySessionID(ctx context.Context, sessionID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Agent
	for _, agent := range s.agents {
		if agent.SessionID != sessionID {
			continue
		}
		if found == nil || agent.LastSeenAt.After(found.LastSeenAt) {
			found = agent
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneAgent(found), nil
}

// UpdateAgent updates an existing agent. Mutating an ended agent is
// rejected; only the reaper path that set ended_at may finish its write.
func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.IsEnded() && agent.EndedAt == nil {
		return ErrConstraintViolated
	}
	agent.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// TouchAgent advances the agent's last-seen timestamp.
func (s *MemoryStore) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	if seenAt.After(agent.LastSeenAt) {
		agent.LastSeenAt = seenAt
		agent.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// MarkAgentEnded sets ended_at. The timestamp is monotone: once set it is
// never cleared or moved.
func (s *MemoryStore) MarkAgentEnded(ctx context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	if agent.EndedAt != nil {
		return nil
	}
	ts := endedAt.UTC()
	agent.EndedAt = &ts
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// ListAgents lists agents, optionally scoped to a project, ordered by
// started_at.
func (s *MemoryStore) ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*models.Agent, 0)
	for _, agent := range s.agents {
		if projectID != "" && agent.ProjectID != projectID {
			continue
		}
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].StartedAt.Before(agents[j].StartedAt)
	})
	return agents, nil
}

// ListActiveAgents lists agents with no ended_at, ordered by started_at.
func (s *MemoryStore) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*models.Agent, 0)
	for _, agent := range s.agents {
		if agent.IsEnded() {
			continue
		}
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].StartedAt.Before(agents[j].StartedAt)
	})
	return agents, nil
}

// MostRecentAgentForProject returns the live agent with the newest
// last_seen_at in the project.
func (s *MemoryStore) MostRecentAgentForProject(ctx context.Context, projectID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Agent
	for _, agent := range s.agents {
		if agent.ProjectID != projectID || agent.IsEnded() {
			continue
		}
		if found == nil || agent.LastSeenAt.After(found.LastSeenAt) {
			found = agent
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneAgent(found), nil
}

// Task operations

// CreateTask creates a new task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[task.AgentID]; !ok {
		return ErrConstraintViolated
	}

	s.nextTaskID++
	task.ID = s.nextTaskID
	now := time.Now().UTC()
	if task.StartedAt.IsZero() {
		task.StartedAt = now
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

// CurrentTaskForAgent returns the most recent non-COMPLETE task.
func (s *MemoryStore) CurrentTaskForAgent(ctx context.Context, agentID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Task
	for _, task := range s.tasks {
		if task.AgentID != agentID || task.IsComplete() {
			continue
		}
		if found == nil || task.StartedAt.After(found.StartedAt) ||
			(task.StartedAt.Equal(found.StartedAt) && task.ID > found.ID) {
			found = task
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneTask(found), nil
}

// UpdateTask updates an existing task. COMPLETE is monotone: a completed
// task only accepts summary back-fills.
func (s *MemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.IsComplete() && task.State != models.TaskStateComplete {
		return ErrConstraintViolated
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// ListTasksForAgent lists tasks ordered by started_at then id.
func (s *MemoryStore) ListTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*models.Task, 0)
	for _, task := range s.tasks {
		if task.AgentID == agentID {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

// ListIncompleteTasksForAgent lists the agent's non-COMPLETE tasks ordered
// by started_at.
func (s *MemoryStore) ListIncompleteTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*models.Task, 0)
	for _, task := range s.tasks {
		if task.AgentID == agentID && !task.IsComplete() {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

// Turn operations

// CreateTurn creates a new turn.
func (s *MemoryStore) CreateTurn(ctx context.Context, turn *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[turn.TaskID]; !ok {
		return ErrConstraintViolated
	}

	s.nextTurnID++
	turn.ID = s.nextTurnID
	now := time.Now().UTC()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	if turn.TimestampSource == "" {
		turn.TimestampSource = models.TimestampSourceServer
	}
	turn.CreatedAt = now

	s.turns[turn.ID] = cloneTurn(turn)
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *MemoryStore) GetTurn(ctx context.Context, id int64) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turn, ok := s.turns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTurn(turn), nil
}

// UpdateTurn updates an existing turn (timestamp corrections, summaries,
// placeholder upgrades).
func (s *MemoryStore) UpdateTurn(ctx context.Context, turn *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turns[turn.ID]; !ok {
		return ErrNotFound
	}
	s.turns[turn.ID] = cloneTurn(turn)
	return nil
}

// ListTurnsForTask lists turns in canonical (timestamp, id) order.
func (s *MemoryStore) ListTurnsForTask(ctx context.Context, taskID int64, opts ListTurnsOptions) ([]*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]*models.Turn, 0)
	for _, turn := range s.turns {
		if turn.TaskID != taskID {
			continue
		}
		if !opts.IncludeInternal && turn.IsInternal {
			continue
		}
		if opts.BeforeTurnID > 0 && turn.ID >= opts.BeforeTurnID {
			continue
		}
		turns = append(turns, cloneTurn(turn))
	}
	sortTurns(turns)
	if opts.Limit > 0 && len(turns) > opts.Limit {
		turns = turns[len(turns)-opts.Limit:]
	}
	return turns, nil
}

// FindTurnByHash matches recent turns against the given content hashes.
func (s *MemoryStore) FindTurnByHash(ctx context.Context, taskID int64, hashes []string, since time.Time) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashSet := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		if h != "" {
			hashSet[h] = struct{}{}
		}
	}

	var found *models.Turn
	for _, turn := range s.turns {
		if turn.TaskID != taskID || turn.ContentHash == "" {
			continue
		}
		if turn.Timestamp.Before(since) {
			continue
		}
		if _, ok := hashSet[turn.ContentHash]; !ok {
			continue
		}
		if found == nil || turn.Timestamp.After(found.Timestamp) {
			found = turn
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneTurn(found), nil
}

// FindTurnByHashForAgent matches recent turns against the given content
// hashes across all of the agent's tasks, complete ones included.
func (s *MemoryStore) FindTurnByHashForAgent(ctx context.Context, agentID string, hashes []string, since time.Time) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashSet := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		if h != "" {
			hashSet[h] = struct{}{}
		}
	}

	var found *models.Turn
	for _, turn := range s.turns {
		task, ok := s.tasks[turn.TaskID]
		if !ok || task.AgentID != agentID || turn.ContentHash == "" {
			continue
		}
		if turn.Timestamp.Before(since) {
			continue
		}
		if _, ok := hashSet[turn.ContentHash]; !ok {
			continue
		}
		if found == nil || turn.Timestamp.After(found.Timestamp) {
			found = turn
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneTurn(found), nil
}

// LatestTurnForTask returns the newest turn matching actor and intent.
// Empty actor or intent matches any.
func (s *MemoryStore) LatestTurnForTask(ctx context.Context, taskID int64, actor models.Actor, intent models.Intent) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Turn
	for _, turn := range s.turns {
		if turn.TaskID != taskID {
			continue
		}
		if actor != "" && turn.Actor != actor {
			continue
		}
		if intent != "" && turn.Intent != intent {
			continue
		}
		if found == nil || turn.Timestamp.After(found.Timestamp) ||
			(turn.Timestamp.Equal(found.Timestamp) && turn.ID > found.ID) {
			found = turn
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneTurn(found), nil
}

// Event operations

// AppendEvent appends an audit event.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.ID = s.nextEventID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, cloneEvent(event))
	return nil
}

// ListEventsForAgent lists the agent's events, newest first.
func (s *MemoryStore) ListEventsForAgent(ctx context.Context, agentID string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*models.Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		event := s.events[i]
		if event.AgentID == nil || *event.AgentID != agentID {
			continue
		}
		events = append(events, cloneEvent(event))
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

// ListEventsForTask lists the task's events in append order.
func (s *MemoryStore) ListEventsForTask(ctx context.Context, taskID int64) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*models.Event, 0)
	for _, event := range s.events {
		if event.TaskID != nil && *event.TaskID == taskID {
			events = append(events, cloneEvent(event))
		}
	}
	return events, nil
}

// helpers

func (s *MemoryStore) nullEventAgentRefs(agentID string) {
	for _, event := range s.events {
		if event.AgentID != nil && *event.AgentID == agentID {
			event.AgentID = nil
		}
	}
}

func (s *MemoryStore) nullEventTaskRefs(taskID int64) {
	for _, event := range s.events {
		if event.TaskID != nil && *event.TaskID == taskID {
			event.TaskID = nil
		}
	}
}

func (s *MemoryStore) nullEventTurnRefs(turnID int64) {
	for _, event := range s.events {
		if event.TurnID != nil && *event.TurnID == turnID {
			event.TurnID = nil
		}
	}
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
}

func sortTurns(turns []*models.Turn) {
	sort.Slice(turns, func(i, j int) bool {
		if turns[i].Timestamp.Equal(turns[j].Timestamp) {
			return turns[i].ID < turns[j].ID
		}
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	return &c
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	if a.EndedAt != nil {
		t := *a.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func cloneTurn(t *models.Turn) *models.Turn {
	c := *t
	if t.AnswersTurnID != nil {
		id := *t.AnswersTurnID
		c.AnswersTurnID = &id
	}
	if t.SummaryAt != nil {
		ts := *t.SummaryAt
		c.SummaryAt = &ts
	}
	if t.Question != nil {
		q := *t.Question
		q.Options = append([]string(nil), t.Question.Options...)
		c.Question = &q
	}
	if t.File != nil {
		f := *t.File
		c.File = &f
	}
	return &c
}

func cloneEvent(e *models.Event) *models.Event {
	c := *e
	if e.AgentID != nil {
		id := *e.AgentID
		c.AgentID = &id
	}
	if e.TaskID != nil {
		id := *e.TaskID
		c.TaskID = &id
	}
	if e.TurnID != nil {
		id := *e.TurnID
		c.TurnID = &id
	}
	return &c
}
