// Package correlator maps externally-issued session identifiers and working
// directories onto agent rows, creating projects and agents when novel.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// Resolution methods, in strategy order.
const (
	MethodCached             = "cached"
	MethodByWorkingDirectory = "by_working_directory"
	MethodCreated            = "created"
)

// Result reports how a session id was resolved.
type Result struct {
	Agent  *models.Agent
	IsNew  bool
	Method string
}

type cacheEntry struct {
	agentID  string
	cachedAt time.Time
}

// Correlator resolves session ids to agents. The session-id cache is
// process-local; multi-process deployments rely on the store's unique
// live-session constraint to reconcile duplicated creation attempts.
type Correlator struct {
	store  repository.Store
	ttl    time.Duration
	logger *logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a correlator with the given cache TTL.
func New(store repository.Store, ttl time.Duration, log *logger.Logger) *Correlator {
	return &Correlator{
		store:  store,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "correlator")),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve finds or creates the agent for a session id. Strategy, in order:
// cached session-id mapping, most-recent agent of the project at the
// working directory, then creation (auto-creating the project).
func (c *Correlator) Resolve(ctx context.Context, sessionID, workingDir string) (*Result, error) {
	if sessionID == "" {
		return nil, errors.New("correlator: session id is required")
	}

	if agent := c.lookupCached(ctx, sessionID); agent != nil {
		return &Result{Agent: agent, Method: MethodCached}, nil
	}

	// The cache is a fast path only; the store may still know the session.
	if agent, err := c.store.GetAgentBySessionID(ctx, sessionID); err == nil && !agent.IsEnded() {
		c.remember(sessionID, agent.ID)
		return &Result{Agent: agent, Method: MethodCached}, nil
	}

	if workingDir != "" {
		if agent, err := c.lookupByWorkingDir(ctx, workingDir); err == nil {
			c.adoptSession(ctx, agent, sessionID)
			c.remember(sessionID, agent.ID)
			return &Result{Agent: agent, Method: MethodByWorkingDirectory}, nil
		}
	}

	agent, err := c.create(ctx, sessionID, workingDir)
	if err != nil {
		return nil, err
	}
	c.remember(sessionID, agent.ID)
	return &Result{Agent: agent, IsNew: true, Method: MethodCreated}, nil
}

// lookupCached consults the TTL cache, purging stale entries on access.
func (c *Correlator) lookupCached(ctx context.Context, sessionID string) *models.Agent {
	c.mu.Lock()
	entry, ok := c.cache[sessionID]
	if ok && c.now().Sub(entry.cachedAt) > c.ttl {
		delete(c.cache, sessionID)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	agent, err := c.store.GetAgent(ctx, entry.agentID)
	if err != nil || agent.IsEnded() {
		c.mu.Lock()
		delete(c.cache, sessionID)
		c.mu.Unlock()
		return nil
	}
	return agent
}

func (c *Correlator) remember(sessionID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[sessionID] = cacheEntry{agentID: agentID, cachedAt: c.now()}
}

// lookupByWorkingDir returns the most-recently-seen live agent of the
// project registered at the directory.
func (c *Correlator) lookupByWorkingDir(ctx context.Context, workingDir string) (*models.Agent, error) {
	project, err := c.store.GetProjectByPath(ctx, filepath.Clean(workingDir))
	if err != nil {
		return nil, err
	}
	return c.store.MostRecentAgentForProject(ctx, project.ID)
}

// adoptSession binds the external session id onto an agent found by
// directory. Agents restarted with a new session id keep their row.
func (c *Correlator) adoptSession(ctx context.Context, agent *models.Agent, sessionID string) {
	if agent.SessionID == sessionID {
		return
	}
	agent.SessionID = sessionID
	if err := c.store.UpdateAgent(ctx, agent); err != nil {
		c.logger.Warn("failed to adopt session id onto agent",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}

// create makes a new agent, auto-creating the project from the working
// directory's basename when needed.
func (c *Correlator) create(ctx context.Context, sessionID, workingDir string) (*models.Agent, error) {
	if workingDir == "" {
		workingDir = "/"
	}
	path := filepath.Clean(workingDir)

	project, err := c.store.GetProjectByPath(ctx, path)
	if errors.Is(err, repository.ErrNotFound) {
		name := filepath.Base(path)
		if name == "/" || name == "." {
			name = "unknown"
		}
		project, err = c.createProject(ctx, path, name)
	}
	if err != nil {
		return nil, fmt.Errorf("correlator: resolve project for %s: %w", path, err)
	}

	agent := &models.Agent{
		ProjectID: project.ID,
		SessionID: sessionID,
	}
	if err := c.store.CreateAgent(ctx, agent); err != nil {
		// Another process may have won the unique live-session race.
		if errors.Is(err, repository.ErrDuplicateSession) {
			if existing, lookupErr := c.store.GetAgentBySessionID(ctx, sessionID); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	c.logger.Info("created agent",
		zap.String("agent_id", agent.ID),
		zap.String("project", project.Slug),
		zap.String("session_id", sessionID))
	return agent, nil
}

// createProject inserts the project, resolving slug collisions with a
// numeric suffix.
func (c *Correlator) createProject(ctx context.Context, path, name string) (*models.Project, error) {
	base := Slugify(name)
	for attempt := 0; attempt < 100; attempt++ {
		slug := base
		if attempt > 0 {
			slug = fmt.Sprintf("%s-%d", base, attempt+1)
		}
		project := &models.Project{Path: path, Name: name, Slug: slug}
		err := c.store.CreateProject(ctx, project)
		if err == nil {
			return project, nil
		}
		if !errors.Is(err, repository.ErrConstraintViolated) {
			return nil, err
		}
		// The path may have been created concurrently; if so, use it.
		if existing, lookupErr := c.store.GetProjectByPath(ctx, path); lookupErr == nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("correlator: could not find a free slug for %q", name)
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from a display name.
func Slugify(name string) string {
	slug := strings.ToLower(name)
	slug = slugStrip.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "project"
	}
	return slug
}
