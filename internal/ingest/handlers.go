package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// handleUserPromptSubmit records a user prompt. Prompts the daemon itself
// delivered through the respond path are suppressed: the turn already exists
// and the hook is only its echo.
func (i *Ingestor) handleUserPromptSubmit(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	if i.hooks.ConsumeRespondPending(agent.ID) || i.hooks.RespondInflight(agent.ID) {
		i.logger.WithAgentID(agent.ID).Debug("suppressed respond echo")
		return &Outcome{AgentID: agent.ID, Suppressed: true}, nil
	}

	file := p.File
	if file == nil {
		file, _ = i.hooks.TakePendingFile(agent.ID)
	}

	res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
			Actor:   models.ActorUser,
			Text:    p.Prompt,
			Trigger: "hook:user_prompt_submit",
			File:    file,
		})
	})
	if err != nil {
		return nil, err
	}
	i.hooks.ClearAwaitingTool(agent.ID)
	return &Outcome{AgentID: agent.ID, Result: res}, nil
}

// handlePreToolUse watches for question tools, which signal AWAITING_INPUT
// before the agent's text ever reaches the transcript. Non-question tools
// while AWAITING_INPUT is stale mean the user answered in the terminal
// directly and the hook stream missed it.
func (i *Ingestor) handlePreToolUse(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	if i.detector.IsQuestionTool(p.ToolName) {
		i.hooks.SetAwaitingTool(agent.ID, p.ToolName)

		question := questionFromToolInput(p.ToolName, p.ToolInput)
		res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
			return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
				Actor:        models.ActorAgent,
				Text:         question.Text,
				Trigger:      "hook:pre_tool_use:" + p.ToolName,
				ForcedIntent: models.IntentQuestion,
				Question:     question,
			})
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{AgentID: agent.ID, Result: res}, nil
	}

	res, err := i.recoverStaleAwaiting(ctx, agent)
	if err != nil {
		return nil, err
	}
	return &Outcome{AgentID: agent.ID, Result: res}, nil
}

// recoverStaleAwaiting synthesizes the answer turn for a task stuck in
// AWAITING_INPUT whose user clearly answered out-of-band: the agent is
// running tools again, but no answer ever arrived through a hook.
func (i *Ingestor) recoverStaleAwaiting(ctx context.Context, agent *models.Agent) (*lifecycle.Result, error) {
	if i.hooks.RespondInflight(agent.ID) {
		return nil, nil
	}

	return i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		task, err := tx.CurrentTaskForAgent(ctx, agent.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if task.State != models.TaskStateAwaitingInput {
			return nil, nil
		}

		question, err := tx.LatestTurnForTask(ctx, task.ID, models.ActorAgent, models.IntentQuestion)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if question != nil && i.now().Sub(question.CreatedAt) < i.staleAwaiting {
			return nil, nil
		}

		i.logger.WithAgentID(agent.ID).WithTaskID(task.ID).Info("recovering stale awaiting-input task")
		res, err := i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
			Actor:        models.ActorUser,
			Text:         "(answered in terminal)",
			Trigger:      "hook:pre_tool_use:recovery",
			ForcedIntent: models.IntentAnswer,
			IsInternal:   true,
		})
		if err != nil {
			return nil, err
		}
		i.hooks.ClearAwaitingTool(agent.ID)
		return res, nil
	})
}

// handlePostToolUse marks a COMMANDED task as PROCESSING and buffers any
// intermediate agent text for deferred-stop dedup. Repeated tool calls while
// already PROCESSING only touch last_seen_at; emitting an event per tool
// call would flood the audit trail.
func (i *Ingestor) handlePostToolUse(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	if p.LastAssistantMessage != "" {
		i.hooks.AppendProgress(agent.ID, p.LastAssistantMessage)
	}

	res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		task, err := tx.CurrentTaskForAgent(ctx, agent.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if task.State != models.TaskStateCommanded {
			return nil, nil
		}
		return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
			Actor:        models.ActorAgent,
			Trigger:      "hook:post_tool_use",
			ForcedIntent: models.IntentProgress,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{AgentID: agent.ID, Result: res}, nil
}

// handlePermissionRequest surfaces a permission prompt as a question: the
// agent is blocked on the user either way.
func (i *Ingestor) handlePermissionRequest(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	text := p.Message
	if text == "" {
		text = fmt.Sprintf("Permission requested: %s", p.ToolName)
	}

	res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
			Actor:        models.ActorAgent,
			Text:         text,
			Trigger:      "hook:permission_request",
			ForcedIntent: models.IntentQuestion,
			Question: &models.QuestionPayload{
				Text:   text,
				Source: "permission_request",
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{AgentID: agent.ID, Result: res}, nil
}

// handleNotification records agent-side notifications ("needs your
// permission", "waiting for input") as placeholder questions. If the real
// question text later surfaces in the transcript, the reconciler adds it as
// its own turn; the placeholder stays as the audit of what the user was
// shown.
func (i *Ingestor) handleNotification(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	if strings.TrimSpace(p.Message) == "" {
		return &Outcome{AgentID: agent.ID}, nil
	}

	res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
			Actor:        models.ActorAgent,
			Text:         p.Message,
			Trigger:      "hook:notification",
			ForcedIntent: models.IntentQuestion,
			Question: &models.QuestionPayload{
				Text:   p.Message,
				Source: "notification",
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{AgentID: agent.ID, Result: res}, nil
}

// stopReplayWindow bounds how far back a stop hook's text is matched
// against already-recorded turns before treating it as new output.
const stopReplayWindow = 2 * time.Minute

// handleStop processes the agent finishing a response. Three outcomes: the
// payload carries the final text and it is processed now; the transcript
// has not flushed yet and a deferred worker polls for it; or this is a
// continuation stop and nothing happens.
func (i *Ingestor) handleStop(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	if p.StopHookActive {
		return &Outcome{AgentID: agent.ID}, nil
	}

	if p.LastAssistantMessage != "" {
		res, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
			_, err := tx.CurrentTaskForAgent(ctx, agent.ID)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					return nil, err
				}
				// No open task. A retried stop replays the closing text of
				// a task that already completed; recording it again would
				// invent a phantom task with an empty command.
				hashes := []string{
					models.ContentHash(models.ActorAgent, p.LastAssistantMessage),
					models.LegacyContentHash(models.ActorAgent, p.LastAssistantMessage),
				}
				existing, err := tx.FindTurnByHashForAgent(ctx, agent.ID, hashes, i.now().Add(-stopReplayWindow))
				if err != nil && !errors.Is(err, repository.ErrNotFound) {
					return nil, err
				}
				if existing != nil {
					i.logger.WithAgentID(agent.ID).Debug("suppressed duplicate stop")
					return nil, nil
				}
			}
			return i.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
				Actor:   models.ActorAgent,
				Text:    p.LastAssistantMessage,
				Trigger: "hook:stop",
			})
		})
		if err != nil {
			return nil, err
		}
		i.hooks.ClearProgress(agent.ID)
		return &Outcome{AgentID: agent.ID, Result: res}, nil
	}

	if i.scheduleDeferredStop(agent) {
		return &Outcome{AgentID: agent.ID, Deferred: true}, nil
	}
	return &Outcome{AgentID: agent.ID}, nil
}

// handleSessionEnd closes the agent out: a final full transcript pass, then
// force-completion of anything still open, then the agent row itself.
func (i *Ingestor) handleSessionEnd(ctx context.Context, agent *models.Agent, p Payload) (*Outcome, error) {
	// Full reconcile first, while the agent still accepts turns.
	if i.reconciler != nil {
		if _, err := i.reconciler.Reconcile(ctx, agent, true); err != nil {
			i.logger.WithAgentID(agent.ID).Warn("final reconcile failed", zap.Error(err))
		}
	}

	endedAt := i.now()
	_, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		tasks, err := tx.ListIncompleteTasksForAgent(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		var last *lifecycle.Result
		for _, task := range tasks {
			res, err := i.lifecycle.CompleteTask(ctx, tx, agent, task, "hook:session_end", "", models.IntentEndOfTask)
			if err != nil {
				return nil, err
			}
			last = res
		}
		if err := tx.MarkAgentEnded(ctx, agent.ID, endedAt); err != nil {
			return nil, err
		}
		return last, nil
	})
	if err != nil {
		return nil, err
	}

	i.hooks.OnSessionEnd(agent.ID)
	if i.broadcaster != nil {
		i.broadcaster.Broadcast(broadcast.EventSessionEnded, agent.ID, agent.ProjectID, map[string]any{
			"session_id": agent.SessionID,
		})
	}
	return &Outcome{AgentID: agent.ID}, nil
}

// questionFromToolInput extracts the question text and options from a
// question tool's input. Tools disagree on field names, so the common ones
// are probed in order.
func questionFromToolInput(toolName string, input map[string]any) *models.QuestionPayload {
	q := &models.QuestionPayload{Source: toolName}

	for _, key := range []string{"question", "prompt", "plan", "message"} {
		if s, ok := input[key].(string); ok && strings.TrimSpace(s) != "" {
			q.Text = s
			break
		}
	}
	if q.Text == "" {
		q.Text = fmt.Sprintf("Agent is waiting on %s", toolName)
	}

	if raw, ok := input["options"].([]any); ok {
		for _, o := range raw {
			switch v := o.(type) {
			case string:
				q.Options = append(q.Options, v)
			case map[string]any:
				if label, ok := v["label"].(string); ok {
					q.Options = append(q.Options, label)
				}
			}
		}
	}
	return q
}
