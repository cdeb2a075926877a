package card

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

func seedAgent(t *testing.T, store repository.Store) *models.Agent {
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
	return agent
}

func TestProjectIdleAgent(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store)
	p := NewProjector(store, 2*time.Minute)

	card, err := p.Project(context.Background(), agent)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if card.State != models.TaskStateIdle || card.TimedOut {
		t.Fatalf("idle agent card = %+v", card)
	}
	if card.DisplayState != "IDLE" {
		t.Fatalf("display state = %q", card.DisplayState)
	}
}

func TestProjectTimedOutOverlay(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store)
	ctx := context.Background()

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateProcessing}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	p := NewProjector(store, 2*time.Minute)
	p.now = func() time.Time { return agent.LastSeenAt.Add(5 * time.Minute) }

	card, err := p.Project(ctx, agent)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !card.TimedOut || card.DisplayState != DisplayTimedOut {
		t.Fatalf("expected TIMED_OUT overlay, got %+v", card)
	}
	// The persisted state is untouched by the overlay.
	if card.State != models.TaskStateProcessing {
		t.Fatalf("state = %s, want PROCESSING", card.State)
	}
}

func TestProjectInstructionFallback(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store)
	ctx := context.Background()

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateCommanded}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	long := "fix the authentication middleware so expired tokens are rejected with a 401 instead of panicking"
	if err := store.CreateTurn(ctx, &models.Turn{
		TaskID: task.ID,
		Actor:  models.ActorUser,
		Intent: models.IntentCommand,
		Text:   long,
	}); err != nil {
		t.Fatalf("CreateTurn: %v", err)
	}

	p := NewProjector(store, 2*time.Minute)
	card, err := p.Project(ctx, agent)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(card.Instruction) > instructionMaxLen+2 {
		t.Fatalf("instruction not truncated: %q", card.Instruction)
	}
	if card.Instruction == "" {
		t.Fatal("instruction empty")
	}
}

func TestTruncatePreservesRunes(t *testing.T) {
	long := strings.Repeat("é", instructionMaxLen+20)
	got := truncate(long, instructionMaxLen)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != instructionMaxLen {
		t.Fatalf("truncated to %d runes, want %d", n, instructionMaxLen)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis: %q", got)
	}

	// Multi-byte text shorter than the cap passes through untouched even
	// though its byte length exceeds it.
	short := strings.Repeat("界", instructionMaxLen-1)
	if truncate(short, instructionMaxLen) != short {
		t.Fatal("short multi-byte string was truncated")
	}
}

func TestProjectInstructionPrefersSummary(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store)
	ctx := context.Background()

	task := &models.Task{
		AgentID:            agent.ID,
		State:              models.TaskStateProcessing,
		InstructionSummary: "Fix auth token expiry",
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	p := NewProjector(store, 2*time.Minute)
	card, err := p.Project(ctx, agent)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if card.Instruction != "Fix auth token expiry" {
		t.Fatalf("instruction = %q", card.Instruction)
	}
}

func TestProjectSummaryForAwaitingInput(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := seedAgent(t, store)
	ctx := context.Background()

	task := &models.Task{AgentID: agent.ID, State: models.TaskStateAwaitingInput}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := store.CreateTurn(ctx, &models.Turn{
		TaskID: task.ID,
		Actor:  models.ActorAgent,
		Intent: models.IntentQuestion,
		Text:   "Which database should I use?",
	}); err != nil {
		t.Fatalf("CreateTurn: %v", err)
	}

	p := NewProjector(store, 2*time.Minute)
	card, err := p.Project(ctx, agent)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if card.Summary != "Which database should I use?" {
		t.Fatalf("summary = %q", card.Summary)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
		{26 * time.Hour, "1d2h"},
	}
	for _, c := range cases {
		if got := formatDuration(c.d); got != c.want {
			t.Errorf("formatDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
