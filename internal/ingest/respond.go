package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

var (
	// ErrNotAwaiting indicates a respond attempt while the agent's task is
	// not blocked on the user.
	ErrNotAwaiting = errors.New("ingest: agent is not awaiting input")
	// ErrNoPane indicates the agent has no terminal pane to type into.
	ErrNoPane = errors.New("ingest: agent has no pane")
	// ErrAgentEnded indicates a respond attempt on a finished session.
	ErrAgentEnded = errors.New("ingest: agent session has ended")
)

// Respond delivers a user answer to the agent's terminal and records the
// answer turn. Flag ordering is the contract here: inflight is set before
// the keystrokes so a racing user_prompt_submit hook sees it, and promoted
// to pending only after the turn has committed.
func (i *Ingestor) Respond(ctx context.Context, agentID, text string, file *models.FileMeta) (*lifecycle.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("ingest: answer text is required")
	}

	agent, err := i.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.IsEnded() {
		return nil, ErrAgentEnded
	}
	if agent.PaneID == "" {
		return nil, ErrNoPane
	}

	task, err := i.store.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAwaiting
		}
		return nil, err
	}
	if task.State != models.TaskStateAwaitingInput {
		return nil, fmt.Errorf("%w (state %s)", ErrNotAwaiting, task.State)
	}

	i.hooks.SetRespondInflight(agent.ID)
	if err := i.sink.SendText(ctx, agent.PaneID, text, i.sendTimeout); err != nil {
		i.hooks.ClearRespondInflight(agent.ID)
		return nil, fmt.Errorf("send answer to pane: %w", err)
	}

	res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
			Actor:           models.ActorUser,
			Text:            text,
			Trigger:         "respond",
			ForcedIntent:    models.IntentAnswer,
			TimestampSource: models.TimestampSourceUser,
			File:            file,
		})
	})
	if err != nil {
		i.hooks.ClearRespondInflight(agent.ID)
		return nil, err
	}

	i.hooks.PromoteRespondPending(agent.ID)
	i.hooks.ClearAwaitingTool(agent.ID)
	return res, nil
}
