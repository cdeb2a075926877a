package priority

import (
	"context"
	"testing"
	"time"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

func seedAgent(t *testing.T, store repository.Store, state models.TaskState) *models.Agent {
	t.Helper()
	ctx := context.Background()

	project := &models.Project{Path: "/home/dev/proj", Name: "proj", Slug: "proj"}
	if err := store.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	agent := &models.Agent{ProjectID: project.ID, SessionID: "sess-1"}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if state != "" {
		task := &models.Task{AgentID: agent.ID, State: state}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	return agent
}

func TestAwaitingInputOutranksWorking(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store, models.TaskStateAwaitingInput)
	s := New(store, 0, logger.Default())
	ctx := context.Background()

	s.MaybeScore(ctx, agent.ID)

	got, _ := store.GetAgent(ctx, agent.ID)
	if got.PriorityScore < scoreAwaitingInput {
		t.Fatalf("score = %v", got.PriorityScore)
	}
	if got.PriorityReason == "" {
		t.Fatal("reason not set")
	}
}

func TestIdleAgentScoresLow(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store, "")
	s := New(store, 0, logger.Default())
	ctx := context.Background()

	s.MaybeScore(ctx, agent.ID)

	got, _ := store.GetAgent(ctx, agent.ID)
	if got.PriorityScore != scoreIdle {
		t.Fatalf("score = %v, want %v", got.PriorityScore, scoreIdle)
	}
}

func TestRateLimitSkipsRecentAgents(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store, models.TaskStateProcessing)
	s := New(store, time.Hour, logger.Default())
	ctx := context.Background()

	s.MaybeScore(ctx, agent.ID)
	first, _ := store.GetAgent(ctx, agent.ID)

	// Flip state; the rate limit must keep the stale score.
	task, _ := store.CurrentTaskForAgent(ctx, agent.ID)
	task.State = models.TaskStateAwaitingInput
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	s.MaybeScore(ctx, agent.ID)

	second, _ := store.GetAgent(ctx, agent.ID)
	if second.PriorityScore != first.PriorityScore {
		t.Fatalf("rate limit bypassed: %v -> %v", first.PriorityScore, second.PriorityScore)
	}
}
