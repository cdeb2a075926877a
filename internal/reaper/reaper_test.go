package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/intent"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/terminal"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

type fakeTerm struct {
	panes   []terminal.Pane
	procs   []terminal.Process
	capture string
}

func (f *fakeTerm) SendText(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeTerm) CapturePane(context.Context, string, int) (string, error) {
	return f.capture, nil
}
func (f *fakeTerm) ListPanes(context.Context) ([]terminal.Pane, error)   { return f.panes, nil }
func (f *fakeTerm) Snapshot(context.Context) ([]terminal.Process, error) { return f.procs, nil }

func newTestReaper(store repository.Store, term *fakeTerm) *Reaper {
	log := logger.Default()
	det := intent.NewDetector(nil)
	lc := lifecycle.NewManager(det, log)
	return New(store, lockmgr.NewMemoryManager(time.Second), lc, det, term, term, nil, nil,
		time.Minute, 5*time.Minute, 5*time.Minute, log)
}

func seedLiveAgent(t *testing.T, store repository.Store, paneID string, age time.Duration) *models.Agent {
	t.Helper()
	ctx := context.Background()

	project, err := store.GetProjectByPath(ctx, "/home/dev/proj")
	if err != nil {
		project = &models.Project{Path: "/home/dev/proj", Name: "proj", Slug: "proj"}
		if err := store.CreateProject(ctx, project); err != nil {
			t.Fatalf("CreateProject: %v", err)
		}
	}
	agent := &models.Agent{ProjectID: project.ID, SessionID: "sess-" + paneID + "-" + age.String(), PaneID: paneID}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	agent.CreatedAt = time.Now().Add(-age)
	agent.LastSeenAt = time.Now()
	if err := store.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateProcessing}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return agent
}

func assertReaped(t *testing.T, store repository.Store, agentID, wantReason string) {
	t.Helper()
	ctx := context.Background()

	agent, err := store.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !agent.IsEnded() {
		t.Fatal("agent not marked ended")
	}
	events, err := store.ListEventsForAgent(ctx, agentID, 50)
	if err != nil {
		t.Fatalf("ListEventsForAgent: %v", err)
	}
	want := "reaper:" + wantReason
	for _, e := range events {
		if e.Trigger == want {
			return
		}
	}
	t.Fatalf("no %q audit event in %+v", want, events)
}

func TestReapsWhenAgentProcessGone(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "%1", time.Hour)
	term := &fakeTerm{
		panes: []terminal.Pane{{ID: "%1", RootPID: 200}},
		procs: []terminal.Process{
			{PID: 200, PPID: 1, Command: "-zsh"},
			// No claude process anywhere under the pane root.
			{PID: 300, PPID: 200, Command: "vim notes.txt"},
		},
	}

	r := newTestReaper(store, term)
	r.Sweep(context.Background())

	assertReaped(t, store, agent.ID, ReasonClaudeExited)
}

func TestReapsWhenPaneGone(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "%1", time.Hour)
	term := &fakeTerm{panes: []terminal.Pane{{ID: "%9", RootPID: 900}}}

	r := newTestReaper(store, term)
	r.Sweep(context.Background())

	assertReaped(t, store, agent.ID, ReasonPaneNotFound)
}

func TestLiveAgentSurvivesSweep(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "%1", time.Hour)
	term := &fakeTerm{
		panes: []terminal.Pane{{ID: "%1", RootPID: 200}},
		procs: []terminal.Process{
			{PID: 200, PPID: 1, Command: "-zsh"},
			{PID: 300, PPID: 200, Command: "node /usr/local/bin/claude"},
		},
	}

	r := newTestReaper(store, term)
	r.Sweep(context.Background())

	got, _ := store.GetAgent(context.Background(), agent.ID)
	if got.IsEnded() {
		t.Fatal("live agent was reaped")
	}
	task, err := store.CurrentTaskForAgent(context.Background(), agent.ID)
	if err != nil || task.State != models.TaskStateProcessing {
		t.Fatalf("task disturbed: %v %+v", err, task)
	}
}

func TestGracePeriodProtectsNewAgents(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "%1", time.Minute) // younger than grace
	term := &fakeTerm{panes: []terminal.Pane{}}         // pane not even listed

	r := newTestReaper(store, term)
	r.Sweep(context.Background())

	got, _ := store.GetAgent(context.Background(), agent.ID)
	if got.IsEnded() {
		t.Fatal("agent reaped inside grace period")
	}
}

func TestReapsInactiveAgentWithoutPane(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "", time.Hour)
	ctx := context.Background()

	agent.LastSeenAt = time.Now().Add(-time.Hour)
	if err := store.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	r := newTestReaper(store, &fakeTerm{})
	r.Sweep(ctx)

	assertReaped(t, store, agent.ID, ReasonInactivityTimeout)
}

func TestReapRecordsPaneTailAsCompletion(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "%1", time.Hour)
	term := &fakeTerm{
		panes: []terminal.Pane{{ID: "%1", RootPID: 200}},
		procs: []terminal.Process{{PID: 200, PPID: 1, Command: "-zsh"}},
		// The agent finished its work and exited; only the pane scrollback
		// knows.
		capture: "Migration applied and verified. All done.",
	}

	r := newTestReaper(store, term)
	ctx := context.Background()
	r.Sweep(ctx)

	assertReaped(t, store, agent.ID, ReasonClaudeExited)

	tasks, err := store.ListTasksForAgent(ctx, agent.ID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v, %v", tasks, err)
	}
	turn, err := store.LatestTurnForTask(ctx, tasks[0].ID, models.ActorAgent, models.IntentCompletion)
	if err != nil {
		t.Fatalf("closing turn not a completion: %v", err)
	}
	if turn.Text != "Migration applied and verified. All done." {
		t.Fatalf("closing text = %q", turn.Text)
	}
}

func TestReapWithoutPaneTailEndsTask(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedLiveAgent(t, store, "%1", time.Hour)
	term := &fakeTerm{panes: []terminal.Pane{}} // pane gone, nothing to capture

	r := newTestReaper(store, term)
	ctx := context.Background()
	r.Sweep(ctx)

	assertReaped(t, store, agent.ID, ReasonPaneNotFound)

	tasks, _ := store.ListTasksForAgent(ctx, agent.ID)
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	turn, err := store.LatestTurnForTask(ctx, tasks[0].ID, models.ActorAgent, models.IntentEndOfTask)
	if err != nil {
		t.Fatalf("closing turn: %v", err)
	}
	if turn.Text != "" {
		t.Fatalf("closing text = %q, want empty", turn.Text)
	}
}

func TestReapsStalePane(t *testing.T) {
	store := repository.NewMemoryStore()
	older := seedLiveAgent(t, store, "%1", 2*time.Hour)
	newer := seedLiveAgent(t, store, "%1", time.Hour)
	term := &fakeTerm{
		panes: []terminal.Pane{{ID: "%1", RootPID: 200}},
		procs: []terminal.Process{
			{PID: 200, PPID: 1, Command: "-zsh"},
			{PID: 300, PPID: 200, Command: "claude --resume"},
		},
	}

	r := newTestReaper(store, term)
	r.Sweep(context.Background())

	assertReaped(t, store, older.ID, ReasonStalePane)
	got, _ := store.GetAgent(context.Background(), newer.ID)
	if got.IsEnded() {
		t.Fatal("newer pane owner was reaped")
	}
}
