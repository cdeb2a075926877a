// Package ingest turns hook deliveries from coding agents into timeline
// mutations. Each hook is resolved to an agent, serialized under the agent's
// advisory lock, applied in one transaction, and its side effects
// (summaries, broadcasts, notifications) dispatched strictly after commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/correlator"
	"github.com/samotage/claude-headspace/internal/hookstate"
	"github.com/samotage/claude-headspace/internal/intent"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/notify"
	"github.com/samotage/claude-headspace/internal/priority"
	"github.com/samotage/claude-headspace/internal/summarize"
	"github.com/samotage/claude-headspace/internal/terminal"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
	"github.com/samotage/claude-headspace/internal/transcript"
)

// Hook kinds accepted on the ingestion endpoint.
const (
	KindSessionStart      = "session_start"
	KindUserPromptSubmit  = "user_prompt_submit"
	KindPreToolUse        = "pre_tool_use"
	KindPostToolUse       = "post_tool_use"
	KindPermissionRequest = "permission_request"
	KindStop              = "stop"
	KindNotification      = "notification"
	KindSessionEnd        = "session_end"
)

var (
	// ErrUnknownKind indicates an unrecognized hook kind.
	ErrUnknownKind = errors.New("ingest: unknown hook kind")
	// ErrMissingSession indicates a payload without a session id.
	ErrMissingSession = errors.New("ingest: session_id is required")
)

// Payload is the hook body delivered by the agent-side shim. Fields are a
// union across hook kinds; unknown fields are ignored.
type Payload struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	PaneID         string `json:"pane_id,omitempty"`

	Prompt    string         `json:"prompt,omitempty"`     // user_prompt_submit
	ToolName  string         `json:"tool_name,omitempty"`  // pre/post_tool_use, permission_request
	ToolInput map[string]any `json:"tool_input,omitempty"` // pre_tool_use
	Message   string         `json:"message,omitempty"`    // notification

	// LastAssistantMessage is the agent's final text at a stop hook, when
	// the shim could read it. Empty means the transcript had not flushed.
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
	// StopHookActive marks a continuation stop; the agent is not done.
	StopHookActive bool `json:"stop_hook_active,omitempty"`

	File *models.FileMeta `json:"file,omitempty"`
}

// Outcome reports what a hook did, for the HTTP layer's response body.
type Outcome struct {
	AgentID    string            `json:"agent_id"`
	Suppressed bool              `json:"suppressed,omitempty"`
	Deferred   bool              `json:"deferred,omitempty"`
	Result     *lifecycle.Result `json:"-"`
}

// Ingestor is the hook funnel.
type Ingestor struct {
	store       repository.Store
	locks       lockmgr.Manager
	hooks       *hookstate.State
	lifecycle   *lifecycle.Manager
	correlator  *correlator.Correlator
	detector    *intent.Detector
	reconciler  *transcript.Reconciler
	summarizer  *summarize.Worker
	broadcaster *broadcast.Broadcaster
	notifier    notify.Notifier
	scorer      *priority.Scorer
	sink        terminal.Sink
	logger      *logger.Logger

	deferredDelays []time.Duration
	staleAwaiting  time.Duration
	sendTimeout    time.Duration
	now            func() time.Time
}

// Config wires an Ingestor.
type Config struct {
	Store          repository.Store
	Locks          lockmgr.Manager
	Hooks          *hookstate.State
	Lifecycle      *lifecycle.Manager
	Correlator     *correlator.Correlator
	Detector       *intent.Detector
	Reconciler     *transcript.Reconciler
	Summarizer     *summarize.Worker
	Broadcaster    *broadcast.Broadcaster
	Notifier       notify.Notifier
	Scorer         *priority.Scorer
	Sink           terminal.Sink
	Logger         *logger.Logger
	DeferredDelays []time.Duration
	StaleAwaiting  time.Duration
	SendTimeout    time.Duration
}

// New creates an ingestor.
func New(cfg Config) *Ingestor {
	sendTimeout := cfg.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = 5 * time.Second
	}
	return &Ingestor{
		store:          cfg.Store,
		locks:          cfg.Locks,
		hooks:          cfg.Hooks,
		lifecycle:      cfg.Lifecycle,
		correlator:     cfg.Correlator,
		detector:       cfg.Detector,
		reconciler:     cfg.Reconciler,
		summarizer:     cfg.Summarizer,
		broadcaster:    cfg.Broadcaster,
		notifier:       cfg.Notifier,
		scorer:         cfg.Scorer,
		sink:           cfg.Sink,
		logger:         cfg.Logger.WithFields(zap.String("component", "ingest")),
		deferredDelays: cfg.DeferredDelays,
		staleAwaiting:  cfg.StaleAwaiting,
		sendTimeout:    sendTimeout,
		now:            time.Now,
	}
}

// Handle dispatches one hook delivery.
func (i *Ingestor) Handle(ctx context.Context, kind string, p Payload) (*Outcome, error) {
	if p.SessionID == "" {
		return nil, ErrMissingSession
	}

	res, err := i.correlator.Resolve(ctx, p.SessionID, p.CWD)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	agent := res.Agent
	i.absorbAgentMetadata(ctx, agent, p)

	if res.IsNew && i.broadcaster != nil {
		i.broadcaster.Broadcast(broadcast.EventSessionCreated, agent.ID, agent.ProjectID, map[string]any{
			"session_id": p.SessionID,
		})
	}

	switch kind {
	case KindSessionStart:
		// Resolution above did the work.
		return &Outcome{AgentID: agent.ID}, nil
	case KindUserPromptSubmit:
		return i.handleUserPromptSubmit(ctx, agent, p)
	case KindPreToolUse:
		return i.handlePreToolUse(ctx, agent, p)
	case KindPostToolUse:
		return i.handlePostToolUse(ctx, agent, p)
	case KindPermissionRequest:
		return i.handlePermissionRequest(ctx, agent, p)
	case KindStop:
		return i.handleStop(ctx, agent, p)
	case KindNotification:
		return i.handleNotification(ctx, agent, p)
	case KindSessionEnd:
		return i.handleSessionEnd(ctx, agent, p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// absorbAgentMetadata keeps the agent row current with whatever the hook
// payload reveals. Failures only degrade later reconciliation, so they log.
func (i *Ingestor) absorbAgentMetadata(ctx context.Context, agent *models.Agent, p Payload) {
	changed := false
	if p.TranscriptPath != "" && agent.TranscriptPath != p.TranscriptPath {
		agent.TranscriptPath = p.TranscriptPath
		changed = true
	}
	if p.PaneID != "" && agent.PaneID != p.PaneID {
		agent.PaneID = p.PaneID
		changed = true
	}
	if changed {
		if err := i.store.UpdateAgent(ctx, agent); err != nil {
			i.logger.WithAgentID(agent.ID).Warn("failed to update agent metadata", zap.Error(err))
		}
	}
	if err := i.store.TouchAgent(ctx, agent.ID, i.now()); err != nil {
		i.logger.WithAgentID(agent.ID).Warn("failed to touch agent", zap.Error(err))
	}
}

// withAgentLock runs fn under the agent's advisory lock inside one
// transaction, then dispatches the result's side effects post-commit.
func (i *Ingestor) withAgentLock(ctx context.Context, agent *models.Agent, fn func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error)) (*lifecycle.Result, error) {
	key := lockmgr.Key{Namespace: lockmgr.NamespaceAgent, AgentID: agent.ID}
	ctx, handle, err := i.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	var res *lifecycle.Result
	err = i.store.WithTx(ctx, func(tx repository.Store) error {
		var fnErr error
		res, fnErr = fn(ctx, tx)
		return fnErr
	})
	if err != nil {
		return nil, err
	}

	i.dispatch(ctx, agent, res)
	return res, nil
}

// dispatch performs the post-commit side effects of a lifecycle result.
// Nothing here can fail the hook: the transaction is already durable.
func (i *Ingestor) dispatch(ctx context.Context, agent *models.Agent, res *lifecycle.Result) {
	if res == nil || !res.Success {
		return
	}

	if len(res.Pending) > 0 && i.summarizer != nil {
		i.summarizer.Enqueue(res.Pending...)
	}

	if i.broadcaster != nil {
		if res.Turn != nil {
			i.broadcaster.Broadcast(broadcast.EventTurnCreated, agent.ID, agent.ProjectID, map[string]any{
				"turn_id": res.Turn.ID,
				"task_id": res.Task.ID,
				"actor":   string(res.Turn.Actor),
				"intent":  string(res.Turn.Intent),
			})
		}
		if res.StateChanged {
			i.broadcaster.Broadcast(broadcast.EventStateChanged, agent.ID, agent.ProjectID, map[string]any{
				"task_id": res.Task.ID,
				"from":    string(res.FromState),
				"to":      string(res.ToState),
			})
		}
		if res.Turn != nil || res.StateChanged {
			i.broadcaster.Broadcast(broadcast.EventCardRefresh, agent.ID, agent.ProjectID, nil)
		}
	}

	if res.AwaitingNotification != nil && i.notifier != nil {
		if err := i.notifier.Notify(ctx, *res.AwaitingNotification); err != nil {
			i.logger.WithAgentID(agent.ID).Warn("awaiting-input notification failed", zap.Error(err))
		}
	}

	if res.StateChanged && i.scorer != nil {
		i.scorer.MaybeScore(ctx, agent.ID)
	}
}
