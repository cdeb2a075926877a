package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/samotage/claude-headspace/internal/db"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "headspace.db"))
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewWithPool(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedAgent(t *testing.T, s *Store) *models.Agent {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Path: "/home/dev/" + t.Name(), Name: t.Name(), Slug: "slug-" + t.Name()}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	agent := &models.Agent{ProjectID: project.ID, SessionID: "sess-" + t.Name()}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return agent
}

func TestSchemaIdempotent(t *testing.T) {
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "headspace.db"))
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	defer pool.Close()

	if _, err := NewWithPool(pool); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if _, err := NewWithPool(pool); err != nil {
		t.Fatalf("reinit must be idempotent: %v", err)
	}
}

func TestLiveSessionUniqueIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	dup := &models.Agent{ProjectID: agent.ProjectID, SessionID: agent.SessionID}
	if err := s.CreateAgent(ctx, dup); !errors.Is(err, repository.ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}

	if err := s.MarkAgentEnded(ctx, agent.ID, time.Now()); err != nil {
		t.Fatalf("mark ended failed: %v", err)
	}
	if err := s.CreateAgent(ctx, dup); err != nil {
		t.Errorf("session id must be reusable after end: %v", err)
	}
}

func TestTaskAutoIncrementAndCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	first := &models.Task{AgentID: agent.ID, State: models.TaskStateComplete}
	second := &models.Task{AgentID: agent.ID, State: models.TaskStateProcessing}
	for _, task := range []*models.Task{first, second} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task failed: %v", err)
		}
	}
	if first.ID == 0 || second.ID <= first.ID {
		t.Fatalf("ids must be assigned ascending: %d, %d", first.ID, second.ID)
	}

	current, err := s.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("current task failed: %v", err)
	}
	if current.ID != second.ID {
		t.Errorf("expected task %d, got %d", second.ID, current.ID)
	}
}

func TestCompleteTaskGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateComplete}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	task.State = models.TaskStateProcessing
	if err := s.UpdateTask(ctx, task); !errors.Is(err, repository.ErrConstraintViolated) {
		t.Errorf("reopening COMPLETE must be rejected, got %v", err)
	}
}

func TestTurnQuestionPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateAwaitingInput}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	turn := &models.Turn{
		TaskID: task.ID,
		Actor:  models.ActorAgent,
		Intent: models.IntentQuestion,
		Text:   "Which database?",
		Question: &models.QuestionPayload{
			Text:    "Which database?",
			Options: []string{"postgres", "sqlite"},
			Source:  "AskUserQuestion",
		},
	}
	if err := s.CreateTurn(ctx, turn); err != nil {
		t.Fatalf("create turn failed: %v", err)
	}

	got, err := s.GetTurn(ctx, turn.ID)
	if err != nil {
		t.Fatalf("get turn failed: %v", err)
	}
	if got.Question == nil || len(got.Question.Options) != 2 || got.Question.Source != "AskUserQuestion" {
		t.Errorf("question payload did not round-trip: %+v", got.Question)
	}
}

func TestFindTurnByHashWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateProcessing}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	hash := models.ContentHash(models.ActorAgent, "all done")
	turn := &models.Turn{TaskID: task.ID, Actor: models.ActorAgent, Intent: models.IntentCompletion, Text: "all done", ContentHash: hash}
	if err := s.CreateTurn(ctx, turn); err != nil {
		t.Fatalf("create turn failed: %v", err)
	}

	got, err := s.FindTurnByHash(ctx, task.ID, []string{hash, "feedface"}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("find by hash failed: %v", err)
	}
	if got.ID != turn.ID {
		t.Errorf("expected turn %d, got %d", turn.ID, got.ID)
	}

	if _, err := s.FindTurnByHash(ctx, task.ID, []string{hash}, time.Now().Add(time.Minute)); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound outside window, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	wantErr := errors.New("boom")
	err := s.WithTx(ctx, func(tx repository.Store) error {
		task := &models.Task{AgentID: agent.ID, State: models.TaskStateCommanded}
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error returned, got %v", err)
	}

	if _, err := s.CurrentTaskForAgent(ctx, agent.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("rolled-back task must not exist, got %v", err)
	}
}

func TestEventReferencesNulledOnDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s)

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateCommanded}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	agentID := agent.ID
	taskID := task.ID
	event := &models.Event{AgentID: &agentID, TaskID: &taskID, FromState: models.TaskStateIdle, ToState: models.TaskStateCommanded, Trigger: "hook:user_prompt_submit", Confidence: 1.0}
	if err := s.AppendEvent(ctx, event); err != nil {
		t.Fatalf("append event failed: %v", err)
	}

	project, err := s.GetProject(ctx, agent.ProjectID)
	if err != nil {
		t.Fatalf("get project failed: %v", err)
	}
	if err := s.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("delete project failed: %v", err)
	}

	events, err := s.ListEventsForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("task reference should be nulled, got %d events by task", len(events))
	}
}
