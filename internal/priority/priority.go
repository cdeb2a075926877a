// Package priority scores live agents by how urgently they need the user's
// attention. The score is a denormalized display column on the agent row,
// recomputed after commits and rate-limited per agent; it is advisory and
// carries no correctness weight.
package priority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// Score bands. Waiting on the user always outranks everything else.
const (
	scoreAwaitingInput = 90.0
	scoreStalled       = 70.0
	scoreWorking       = 40.0
	scoreCommanded     = 30.0
	scoreIdle          = 10.0
)

// stalledAfter is how long a PROCESSING task may go without new turns
// before it counts as stalled.
const stalledAfter = 3 * time.Minute

// Scorer computes and persists agent priority scores.
type Scorer struct {
	store       repository.Store
	minInterval time.Duration
	logger      *logger.Logger
	now         func() time.Time

	mu        sync.Mutex
	lastScore map[string]time.Time
}

// New creates a scorer. minInterval bounds per-agent recompute frequency.
func New(store repository.Store, minInterval time.Duration, log *logger.Logger) *Scorer {
	return &Scorer{
		store:       store,
		minInterval: minInterval,
		logger:      log.WithFields(zap.String("component", "priority")),
		now:         time.Now,
		lastScore:   make(map[string]time.Time),
	}
}

// MaybeScore recomputes the agent's score unless it was scored too
// recently. Called post-commit; failures log and vanish.
func (s *Scorer) MaybeScore(ctx context.Context, agentID string) {
	s.mu.Lock()
	if last, ok := s.lastScore[agentID]; ok && s.now().Sub(last) < s.minInterval {
		s.mu.Unlock()
		return
	}
	s.lastScore[agentID] = s.now()
	s.mu.Unlock()

	if err := s.score(ctx, agentID); err != nil {
		s.logger.WithAgentID(agentID).Warn("priority scoring failed", zap.Error(err))
	}
}

// Forget drops the rate-limit entry for an ended agent.
func (s *Scorer) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastScore, agentID)
}

func (s *Scorer) score(ctx context.Context, agentID string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.IsEnded() {
		return nil
	}

	score, reason := s.compute(ctx, agent)
	if agent.PriorityScore == score && agent.PriorityReason == reason {
		return nil
	}

	agent.PriorityScore = score
	agent.PriorityReason = reason
	return s.store.UpdateAgent(ctx, agent)
}

// compute derives the score from the current task state and recency.
func (s *Scorer) compute(ctx context.Context, agent *models.Agent) (float64, string) {
	task, err := s.store.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return scoreIdle, "idle"
		}
		return scoreIdle, "idle"
	}

	switch task.State {
	case models.TaskStateAwaitingInput:
		waited := s.now().Sub(task.UpdatedAt)
		return scoreAwaitingInput + min(waited.Minutes(), 9), fmt.Sprintf("awaiting input for %s", waited.Round(time.Second))
	case models.TaskStateProcessing:
		if s.now().Sub(agent.LastSeenAt) > stalledAfter {
			return scoreStalled, "processing but silent"
		}
		return scoreWorking, "working"
	case models.TaskStateCommanded:
		return scoreCommanded, "commanded"
	default:
		return scoreIdle, "idle"
	}
}
