// Package lifecycle is the single mutation engine for tasks and turns.
// Every ingestion path (hooks, transcript reconciliation, watchdog, reaper)
// funnels its observations through the Manager, which validates them against
// the state machine and persists turn, task, and audit event together.
//
// The Manager is storage-agnostic: callers hand it the Store they are
// already inside (usually a transaction opened under the agent's lock), and
// the Manager never commits, broadcasts, or summarizes itself. Side effects
// that must wait for commit come back in the Result for the caller to
// dispatch.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/intent"
	"github.com/samotage/claude-headspace/internal/notify"
	"github.com/samotage/claude-headspace/internal/statemachine"
	"github.com/samotage/claude-headspace/internal/summarize"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// ErrInvalidTransition is returned by the strict update path when the
// requested move is not in the transition table.
var ErrInvalidTransition = errors.New("invalid task state transition")

// TurnInput is one observed turn, from whichever funnel tier saw it.
type TurnInput struct {
	Actor models.Actor
	Text  string
	// Trigger names the observation source for the audit trail, e.g.
	// "hook:user_prompt_submit" or "reconciler:transcript".
	Trigger string
	// ForcedIntent bypasses detection when the source already knows the
	// intent (question tools, permission requests, recovered transcript
	// turns). Empty means detect from text.
	ForcedIntent models.Intent
	// Confidence accompanies ForcedIntent; ignored when detection runs.
	Confidence float64
	// Timestamp overrides the server clock when the source carries its own
	// (transcript entries, user respond). Zero means now.
	Timestamp       time.Time
	TimestampSource models.TimestampSource
	Question        *models.QuestionPayload
	File            *models.FileMeta
	IsInternal      bool
}

// Result reports what ProcessTurn did, including the deferred work the
// caller must dispatch after its transaction commits.
type Result struct {
	Success bool
	Reason  string // set when Success is false

	Task *models.Task
	Turn *models.Turn

	Intent     models.Intent
	Confidence float64

	FromState      models.TaskState
	ToState        models.TaskState
	StateChanged   bool
	NewTaskCreated bool

	// Pending is summarization work to enqueue post-commit.
	Pending []summarize.Request
	// AwaitingNotification is set when the task entered AWAITING_INPUT and
	// the user should be alerted. Completion notifications are not here:
	// they ride on the task_completion summary instead.
	AwaitingNotification *notify.Notification
}

// Manager applies observed turns to the timeline.
type Manager struct {
	detector *intent.Detector
	logger   *logger.Logger
	now      func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(detector *intent.Detector, log *logger.Logger) *Manager {
	return &Manager{
		detector: detector,
		logger:   log.WithFields(zap.String("component", "lifecycle")),
		now:      time.Now,
	}
}

// ProcessTurn classifies the turn, validates it against the current task
// state, and persists the resulting turn, task mutation, and audit event.
// Must be called inside a transaction under the agent's lock.
//
// An invalid transition is not an error: the turn is dropped and the Result
// carries Success=false with the reason. Errors are reserved for storage
// failures, which should roll the caller's transaction back.
func (m *Manager) ProcessTurn(ctx context.Context, tx repository.Store, agent *models.Agent, in TurnInput) (*Result, error) {
	task, err := tx.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load current task: %w", err)
	}

	fromState := models.TaskStateIdle
	if task != nil {
		fromState = task.State
	}

	det := m.classify(in, fromState)

	// User commands get routed before the table is consulted: they can
	// close the current task and open a new one, which is not a transition
	// of any single task.
	if in.Actor == models.ActorUser && det.Intent == models.IntentCommand {
		return m.routeUserCommand(ctx, tx, agent, task, fromState, in, det)
	}

	if task == nil {
		// Agent output with no open task. Infer a task so the turn has a
		// home; the transcript's command will attach later.
		if in.Actor == models.ActorAgent {
			return m.openInferredTask(ctx, tx, agent, in, det)
		}
		return &Result{
			Success:   false,
			Reason:    fmt.Sprintf("no open task for %s/%s", in.Actor, det.Intent),
			FromState: fromState,
			ToState:   fromState,
		}, nil
	}

	check := statemachine.Validate(fromState, in.Actor, det.Intent)
	if !check.Valid {
		m.logger.WithAgentID(agent.ID).WithTaskID(task.ID).Debug("turn rejected",
			zap.String("actor", string(in.Actor)),
			zap.String("intent", string(det.Intent)),
			zap.String("reason", check.Reason))
		return &Result{
			Success:    false,
			Reason:     check.Reason,
			Task:       task,
			Intent:     det.Intent,
			Confidence: det.Confidence,
			FromState:  fromState,
			ToState:    fromState,
		}, nil
	}

	return m.applyTransition(ctx, tx, agent, task, in, det, check.ToState)
}

// CompleteTask is the advisory forced-completion path used by session end,
// the reaper, and stop-hook completions. A mismatch with the transition
// table is logged and the completion proceeds anyway: external evidence
// that the agent stopped outranks the table.
func (m *Manager) CompleteTask(ctx context.Context, tx repository.Store, agent *models.Agent, task *models.Task, trigger, agentText string, forced models.Intent) (*Result, error) {
	if task.IsComplete() {
		return &Result{Success: true, Task: task, FromState: task.State, ToState: task.State}, nil
	}

	fromState := task.State
	closeIntent := forced
	if closeIntent == "" {
		closeIntent = models.IntentEndOfTask
	}

	if check := statemachine.Validate(fromState, models.ActorAgent, closeIntent); !check.Valid {
		m.logger.WithAgentID(agent.ID).WithTaskID(task.ID).Warn("forcing task completion past invalid transition",
			zap.String("from", string(fromState)),
			zap.String("trigger", trigger),
			zap.String("reason", check.Reason))
	}

	in := TurnInput{
		Actor:        models.ActorAgent,
		Text:         agentText,
		Trigger:      trigger,
		ForcedIntent: closeIntent,
		Confidence:   1.0,
	}
	det := intent.Detection{Intent: closeIntent, Confidence: 1.0}
	return m.applyTransition(ctx, tx, agent, task, in, det, models.TaskStateComplete)
}

// UpdateTaskState is the strict direct-state path (debug API, manual
// correction). Unlike CompleteTask it refuses moves outside the table.
func (m *Manager) UpdateTaskState(ctx context.Context, tx repository.Store, task *models.Task, to models.TaskState, trigger string) error {
	from := task.State
	if from == to {
		return nil
	}
	if !statemachine.CanReach(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := m.now()
	task.State = to
	task.UpdatedAt = now
	if to == models.TaskStateComplete {
		task.CompletedAt = &now
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return m.appendEvent(ctx, tx, task.AgentID, task.ID, nil, from, to, trigger, 1.0)
}

// classify resolves the turn's intent, honoring a forced intent from the
// source over text detection.
func (m *Manager) classify(in TurnInput, state models.TaskState) intent.Detection {
	if in.ForcedIntent != "" {
		conf := in.Confidence
		if conf == 0 {
			conf = 1.0
		}
		return intent.Detection{Intent: in.ForcedIntent, Confidence: conf}
	}
	return m.detector.Detect(in.Text, in.Actor, state)
}

// routeUserCommand handles the cases where a user command does not map to a
// single-task transition.
func (m *Manager) routeUserCommand(ctx context.Context, tx repository.Store, agent *models.Agent, task *models.Task, fromState models.TaskState, in TurnInput, det intent.Detection) (*Result, error) {
	switch fromState {
	case models.TaskStateCommanded:
		// A second prompt before the agent responded extends the command.
		return m.appendToCommand(ctx, tx, agent, task, in, det)

	case models.TaskStateProcessing:
		// A task inferred from agent output has no user turns yet; the
		// command that started it arrives late and attaches here.
		if task != nil {
			hasUser, err := m.taskHasUserTurns(ctx, tx, task.ID)
			if err != nil {
				return nil, err
			}
			if !hasUser {
				return m.appendToCommand(ctx, tx, agent, task, in, det)
			}
		}
		return &Result{
			Success:    false,
			Reason:     "command while processing",
			Task:       task,
			Intent:     det.Intent,
			Confidence: det.Confidence,
			FromState:  fromState,
			ToState:    fromState,
		}, nil
	}

	// IDLE or AWAITING_INPUT: the user moved on. Close out the old task,
	// open a fresh one.
	var res Result
	var carried []summarize.Request
	if task != nil && !task.IsComplete() {
		closed, err := m.CompleteTask(ctx, tx, agent, task, in.Trigger+":superseded", "", models.IntentEndOfTask)
		if err != nil {
			return nil, err
		}
		carried = closed.Pending
	}

	now := m.now()
	ts, source := m.turnTimestamp(in)
	newTask := &models.Task{
		AgentID:     agent.ID,
		State:       models.TaskStateCommanded,
		CommandText: in.Text,
		StartedAt:   ts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.CreateTask(ctx, newTask); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	turn, err := m.createTurn(ctx, tx, newTask.ID, in, det, ts, source)
	if err != nil {
		return nil, err
	}
	if err := m.appendEvent(ctx, tx, agent.ID, newTask.ID, &turn.ID, fromState, models.TaskStateCommanded, in.Trigger, det.Confidence); err != nil {
		return nil, err
	}

	res = Result{
		Success:        true,
		Task:           newTask,
		Turn:           turn,
		Intent:         det.Intent,
		Confidence:     det.Confidence,
		FromState:      fromState,
		ToState:        models.TaskStateCommanded,
		StateChanged:   true,
		NewTaskCreated: true,
		Pending: append(carried,
			summarize.Request{Kind: summarize.KindTurn, TurnID: turn.ID, Text: in.Text},
			summarize.Request{Kind: summarize.KindInstruction, TaskID: newTask.ID, Text: in.Text},
		),
	}
	return &res, nil
}

// appendToCommand adds a user command turn to an existing task without a
// state change, growing the task's command text.
func (m *Manager) appendToCommand(ctx context.Context, tx repository.Store, agent *models.Agent, task *models.Task, in TurnInput, det intent.Detection) (*Result, error) {
	ts, source := m.turnTimestamp(in)
	turn, err := m.createTurn(ctx, tx, task.ID, in, det, ts, source)
	if err != nil {
		return nil, err
	}

	if task.CommandText == "" {
		task.CommandText = in.Text
	} else {
		task.CommandText = task.CommandText + "\n\n" + in.Text
	}
	task.UpdatedAt = m.now()
	if err := tx.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := m.appendEvent(ctx, tx, agent.ID, task.ID, &turn.ID, task.State, task.State, in.Trigger, det.Confidence); err != nil {
		return nil, err
	}

	return &Result{
		Success:    true,
		Task:       task,
		Turn:       turn,
		Intent:     det.Intent,
		Confidence: det.Confidence,
		FromState:  task.State,
		ToState:    task.State,
		Pending: []summarize.Request{
			{Kind: summarize.KindTurn, TurnID: turn.ID, Text: in.Text},
			{Kind: summarize.KindInstruction, TaskID: task.ID, Text: task.CommandText},
		},
	}, nil
}

// openInferredTask creates a PROCESSING task for agent output observed with
// no task open. Happens when the transcript tail or watchdog sees work the
// hooks missed.
func (m *Manager) openInferredTask(ctx context.Context, tx repository.Store, agent *models.Agent, in TurnInput, det intent.Detection) (*Result, error) {
	now := m.now()
	ts, source := m.turnTimestamp(in)

	task := &models.Task{
		AgentID:   agent.ID,
		State:     models.TaskStateProcessing,
		StartedAt: ts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create inferred task: %w", err)
	}
	if err := m.appendEvent(ctx, tx, agent.ID, task.ID, nil, models.TaskStateIdle, models.TaskStateProcessing, in.Trigger+":inferred", det.Confidence); err != nil {
		return nil, err
	}
	m.logger.WithAgentID(agent.ID).WithTaskID(task.ID).Info("inferred task from agent output",
		zap.String("trigger", in.Trigger))

	// The inferred task is now PROCESSING; apply the observed turn on top
	// so a question or completion still lands.
	check := statemachine.Validate(models.TaskStateProcessing, in.Actor, det.Intent)
	if !check.Valid {
		// PROGRESS/QUESTION/COMPLETION all validate from PROCESSING; only
		// pathological forced intents end up here.
		ts2, source2 := ts, source
		turn, err := m.createTurn(ctx, tx, task.ID, in, det, ts2, source2)
		if err != nil {
			return nil, err
		}
		return &Result{
			Success:        true,
			Task:           task,
			Turn:           turn,
			Intent:         det.Intent,
			Confidence:     det.Confidence,
			FromState:      models.TaskStateIdle,
			ToState:        models.TaskStateProcessing,
			StateChanged:   true,
			NewTaskCreated: true,
		}, nil
	}

	res, err := m.applyTransition(ctx, tx, agent, task, in, det, check.ToState)
	if err != nil {
		return nil, err
	}
	res.FromState = models.TaskStateIdle
	res.StateChanged = true
	res.NewTaskCreated = true
	return res, nil
}

// applyTransition persists the turn, moves the task, and appends the audit
// event for an already-validated transition.
func (m *Manager) applyTransition(ctx context.Context, tx repository.Store, agent *models.Agent, task *models.Task, in TurnInput, det intent.Detection, to models.TaskState) (*Result, error) {
	fromState := task.State
	now := m.now()
	ts, source := m.turnTimestamp(in)

	var turn *models.Turn
	if in.Text != "" || in.Question != nil || in.File != nil {
		var err error
		turn, err = m.createTurn(ctx, tx, task.ID, in, det, ts, source)
		if err != nil {
			return nil, err
		}
	}

	// An answer links back to the question it resolves.
	if turn != nil && det.Intent == models.IntentAnswer {
		if q, err := tx.LatestTurnForTask(ctx, task.ID, models.ActorAgent, models.IntentQuestion); err == nil {
			turn.AnswersTurnID = &q.ID
			if err := tx.UpdateTurn(ctx, turn); err != nil {
				return nil, fmt.Errorf("link answer turn: %w", err)
			}
		}
	}

	task.State = to
	task.UpdatedAt = now
	if to == models.TaskStateComplete {
		task.CompletedAt = &now
		if in.Actor == models.ActorAgent && in.Text != "" {
			if task.OutputText == "" {
				task.OutputText = in.Text
			} else {
				task.OutputText = task.OutputText + "\n\n" + in.Text
			}
		}
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	var turnID *int64
	if turn != nil {
		turnID = &turn.ID
	}
	if err := m.appendEvent(ctx, tx, agent.ID, task.ID, turnID, fromState, to, in.Trigger, det.Confidence); err != nil {
		return nil, err
	}

	res := &Result{
		Success:      true,
		Task:         task,
		Turn:         turn,
		Intent:       det.Intent,
		Confidence:   det.Confidence,
		FromState:    fromState,
		ToState:      to,
		StateChanged: fromState != to,
	}

	if turn != nil && in.Text != "" {
		res.Pending = append(res.Pending, summarize.Request{Kind: summarize.KindTurn, TurnID: turn.ID, Text: in.Text})
	}
	if to == models.TaskStateComplete {
		text := task.OutputText
		if text == "" {
			text = task.CommandText
		}
		res.Pending = append(res.Pending, summarize.Request{Kind: summarize.KindTaskCompletion, TaskID: task.ID, Text: text})
	}
	if to == models.TaskStateAwaitingInput && fromState != models.TaskStateAwaitingInput {
		res.AwaitingNotification = awaitingNotification(agent, in)
	}

	if res.StateChanged {
		m.logger.WithAgentID(agent.ID).WithTaskID(task.ID).Info("task transition",
			zap.String("from", string(fromState)),
			zap.String("to", string(to)),
			zap.String("trigger", in.Trigger),
			zap.Float64("confidence", det.Confidence))
	}
	return res, nil
}

func (m *Manager) createTurn(ctx context.Context, tx repository.Store, taskID int64, in TurnInput, det intent.Detection, ts time.Time, source models.TimestampSource) (*models.Turn, error) {
	turn := &models.Turn{
		TaskID:          taskID,
		Actor:           in.Actor,
		Intent:          det.Intent,
		Text:            in.Text,
		Timestamp:       ts,
		TimestampSource: source,
		ContentHash:     models.ContentHash(in.Actor, in.Text),
		Question:        in.Question,
		File:            in.File,
		IsInternal:      in.IsInternal,
		CreatedAt:       m.now(),
	}
	if err := tx.CreateTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	return turn, nil
}

func (m *Manager) appendEvent(ctx context.Context, tx repository.Store, agentID string, taskID int64, turnID *int64, from, to models.TaskState, trigger string, confidence float64) error {
	ev := &models.Event{
		AgentID:    &agentID,
		TaskID:     &taskID,
		TurnID:     turnID,
		FromState:  from,
		ToState:    to,
		Trigger:    trigger,
		Confidence: confidence,
		CreatedAt:  m.now(),
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (m *Manager) turnTimestamp(in TurnInput) (time.Time, models.TimestampSource) {
	source := in.TimestampSource
	if source == "" {
		source = models.TimestampSourceServer
	}
	if in.Timestamp.IsZero() {
		return m.now(), source
	}
	return in.Timestamp, source
}

func (m *Manager) taskHasUserTurns(ctx context.Context, tx repository.Store, taskID int64) (bool, error) {
	turns, err := tx.ListTurnsForTask(ctx, taskID, repository.ListTurnsOptions{IncludeInternal: true})
	if err != nil {
		return false, fmt.Errorf("list turns: %w", err)
	}
	for _, t := range turns {
		if t.Actor == models.ActorUser {
			return true, nil
		}
	}
	return false, nil
}

// awaitingNotification builds the alert for a task that just started
// waiting on the user.
func awaitingNotification(agent *models.Agent, in TurnInput) *notify.Notification {
	body := in.Text
	if in.Question != nil && in.Question.Text != "" {
		body = in.Question.Text
	}
	if first := strings.TrimSpace(body); first != "" {
		if idx := strings.IndexByte(first, '\n'); idx >= 0 {
			first = strings.TrimSpace(first[:idx])
		}
		body = first
	}
	return &notify.Notification{
		Title:    "Agent needs input",
		Subtitle: agent.ID,
		Body:     body,
	}
}
