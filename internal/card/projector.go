// Package card derives the user-visible projection of an agent. The same
// projection feeds pull responses and push events so a reload never shows a
// different truth than the stream did.
package card

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// DisplayTimedOut is the display-only overlay state. It is never persisted
// and never enters the state machine.
const DisplayTimedOut = "TIMED_OUT"

// instructionMaxLen truncates the raw-command fallback instruction.
const instructionMaxLen = 80

// Card is the derived projection of one agent.
type Card struct {
	AgentID        string           `json:"agent_id"`
	ProjectID      string           `json:"project_id"`
	SessionID      string           `json:"session_id,omitempty"`
	State          models.TaskState `json:"state"`
	DisplayState   string           `json:"display_state"`
	TimedOut       bool             `json:"timed_out"`
	TaskID         int64            `json:"task_id,omitempty"`
	Instruction    string           `json:"instruction,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	Uptime         string           `json:"uptime"`
	LastSeen       string           `json:"last_seen"`
	LastSeenAt     time.Time        `json:"last_seen_at"`
	PriorityScore  float64          `json:"priority_score"`
	PriorityReason string           `json:"priority_reason,omitempty"`
	Ended          bool             `json:"ended"`
}

// Projector computes cards from the timeline store.
type Projector struct {
	store     repository.Store
	staleness time.Duration
	now       func() time.Time
}

// NewProjector creates a projector. staleness is how long a PROCESSING
// agent may go unseen before the TIMED_OUT overlay shows.
func NewProjector(store repository.Store, staleness time.Duration) *Projector {
	return &Projector{store: store, staleness: staleness, now: time.Now}
}

// Project derives the card for one agent.
func (p *Projector) Project(ctx context.Context, agent *models.Agent) (*Card, error) {
	now := p.now()
	card := &Card{
		AgentID:        agent.ID,
		ProjectID:      agent.ProjectID,
		SessionID:      agent.SessionID,
		State:          models.TaskStateIdle,
		Uptime:         formatDuration(now.Sub(agent.StartedAt)),
		LastSeen:       formatDuration(now.Sub(agent.LastSeenAt)) + " ago",
		LastSeenAt:     agent.LastSeenAt,
		PriorityScore:  agent.PriorityScore,
		PriorityReason: agent.PriorityReason,
		Ended:          agent.IsEnded(),
	}

	task, err := p.store.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			card.DisplayState = string(card.State)
			return card, nil
		}
		return nil, err
	}

	card.State = task.State
	card.DisplayState = string(task.State)
	card.TaskID = task.ID

	// Display-only staleness overlay: a PROCESSING agent that has not been
	// seen within the threshold is probably wedged, but nothing is persisted
	// until the reaper decides.
	if task.State == models.TaskStateProcessing && now.Sub(agent.LastSeenAt) > p.staleness {
		card.TimedOut = true
		card.DisplayState = DisplayTimedOut
	}

	card.Instruction = p.instruction(ctx, task)
	card.Summary = p.summary(ctx, task)
	return card, nil
}

// instruction prefers the AI summary and falls back to the raw first user
// command, truncated.
func (p *Projector) instruction(ctx context.Context, task *models.Task) string {
	if task.InstructionSummary != "" {
		return task.InstructionSummary
	}

	turn, err := p.store.LatestTurnForTask(ctx, task.ID, models.ActorUser, models.IntentCommand)
	if err != nil {
		if task.CommandText != "" {
			return truncate(task.CommandText, instructionMaxLen)
		}
		return ""
	}
	turns, err := p.store.ListTurnsForTask(ctx, task.ID, repository.ListTurnsOptions{})
	if err == nil {
		// The first COMMAND turn, not the latest: follow-ups refine the
		// instruction, they don't replace it.
		for _, t := range turns {
			if t.Actor == models.ActorUser && t.Intent == models.IntentCommand {
				turn = t
				break
			}
		}
	}
	return truncate(turn.Text, instructionMaxLen)
}

// summary picks the most informative recent turn for the card body.
func (p *Projector) summary(ctx context.Context, task *models.Task) string {
	if task.IsComplete() && task.CompletionSummary != "" {
		return task.CompletionSummary
	}

	if task.State == models.TaskStateAwaitingInput {
		if turn, err := p.store.LatestTurnForTask(ctx, task.ID, models.ActorAgent, models.IntentQuestion); err == nil {
			if turn.Summary != "" {
				return turn.Summary
			}
			return turn.Text
		}
	}

	turns, err := p.store.ListTurnsForTask(ctx, task.ID, repository.ListTurnsOptions{})
	if err != nil {
		return ""
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Intent == models.IntentQuestion {
			continue
		}
		if turns[i].Summary != "" {
			return turns[i].Summary
		}
		return turns[i].Text
	}
	return ""
}

// truncate caps s at max runes, never splitting a multi-byte character.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// formatDuration renders a duration the way the dashboard shows it: the two
// most significant units.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
