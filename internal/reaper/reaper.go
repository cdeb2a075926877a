// Package reaper detects dead agent sessions that never delivered a
// session_end hook and closes them out. Evidence, in order of strength:
// the agent process is gone from the pane's process tree, the pane itself
// is gone, the pane has been taken over by a newer agent, or the agent has
// simply been silent past the inactivity timeout.
package reaper

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/intent"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/summarize"
	"github.com/samotage/claude-headspace/internal/terminal"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// agentProcessMarker identifies the agent process in a pane's descendant
// command lines.
const agentProcessMarker = "claude"

// reapCaptureLines bounds the pane tail captured as the closing evidence
// of a reaped task.
const reapCaptureLines = 30

// Reap reasons recorded on the audit event.
const (
	ReasonClaudeExited      = "claude_exited"
	ReasonPaneNotFound      = "pane_not_found"
	ReasonStalePane         = "stale_pane"
	ReasonInactivityTimeout = "inactivity_timeout"
)

// Reaper sweeps live agents and ends the dead ones.
type Reaper struct {
	store       repository.Store
	locks       lockmgr.Manager
	lifecycle   *lifecycle.Manager
	detector    *intent.Detector
	sink        terminal.Sink
	probe       terminal.ProcessProbe
	summarizer  *summarize.Worker
	broadcaster *broadcast.Broadcaster
	logger      *logger.Logger

	interval   time.Duration
	inactivity time.Duration
	grace      time.Duration
	now        func() time.Time
}

// New creates a reaper.
func New(
	store repository.Store,
	locks lockmgr.Manager,
	lc *lifecycle.Manager,
	detector *intent.Detector,
	sink terminal.Sink,
	probe terminal.ProcessProbe,
	summarizer *summarize.Worker,
	broadcaster *broadcast.Broadcaster,
	interval, inactivity, grace time.Duration,
	log *logger.Logger,
) *Reaper {
	return &Reaper{
		store:       store,
		locks:       locks,
		lifecycle:   lc,
		detector:    detector,
		sink:        sink,
		probe:       probe,
		summarizer:  summarizer,
		broadcaster: broadcaster,
		logger:      log.WithFields(zap.String("component", "reaper")),
		interval:    interval,
		inactivity:  inactivity,
		grace:       grace,
		now:         time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", zap.Duration("interval", r.interval))
	defer r.logger.Info("reaper stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all live agents.
func (r *Reaper) Sweep(ctx context.Context) {
	agents, err := r.store.ListActiveAgents(ctx)
	if err != nil {
		r.logger.Warn("failed to list active agents", zap.Error(err))
		return
	}
	if len(agents) == 0 {
		return
	}

	panes := r.listPanes(ctx)
	procs := r.snapshotProcs(ctx)

	for _, agent := range agents {
		// Freshly created agents get a grace window: the pane and process
		// tree may not have settled yet.
		if r.now().Sub(agent.CreatedAt) < r.grace {
			continue
		}
		if reason, dead := r.verdict(agent, agents, panes, procs); dead {
			r.reap(ctx, agent, reason)
		}
	}
}

// verdict decides whether the agent is dead and why.
func (r *Reaper) verdict(agent *models.Agent, all []*models.Agent, panes map[string]terminal.Pane, procs []terminal.Process) (string, bool) {
	if agent.PaneID != "" && panes != nil {
		pane, ok := panes[agent.PaneID]
		if !ok {
			return ReasonPaneNotFound, true
		}
		if procs != nil && !terminal.HasDescendantMatching(procs, pane.RootPID, agentProcessMarker) {
			return ReasonClaudeExited, true
		}
		// A newer agent claiming the same pane means this one was replaced
		// without a session_end.
		for _, other := range all {
			if other.ID != agent.ID && other.PaneID == agent.PaneID && other.CreatedAt.After(agent.CreatedAt) {
				return ReasonStalePane, true
			}
		}
	}

	if r.now().Sub(agent.LastSeenAt) > r.inactivity {
		return ReasonInactivityTimeout, true
	}
	return "", false
}

// reap force-completes the agent's open tasks and marks the session ended.
// TryLock, not Lock: an agent busy under its lock is by definition not dead,
// and the next sweep will revisit it.
func (r *Reaper) reap(ctx context.Context, agent *models.Agent, reason string) {
	key := lockmgr.Key{Namespace: lockmgr.NamespaceAgent, AgentID: agent.ID}
	ctx, handle, ok, err := r.locks.TryLock(ctx, key)
	if err != nil {
		r.logger.WithAgentID(agent.ID).Warn("reap lock failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer handle.Release()

	endedAt := r.now()
	trigger := "reaper:" + reason
	tail := r.captureTail(ctx, agent)
	var pending []summarize.Request

	err = r.store.WithTx(ctx, func(tx repository.Store) error {
		tasks, err := tx.ListIncompleteTasksForAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			// The pane's last output is the only record of how the task
			// actually ended. When it reads like a completion, close the
			// task as one instead of an abandonment.
			closing := models.IntentEndOfTask
			if tail != "" && r.detector != nil {
				if det := r.detector.Detect(tail, models.ActorAgent, task.State); det.Intent == models.IntentCompletion {
					closing = models.IntentCompletion
				}
			}
			res, err := r.lifecycle.CompleteTask(ctx, tx, agent, task, trigger, tail, closing)
			if err != nil {
				return err
			}
			pending = append(pending, res.Pending...)
		}
		if err := tx.MarkAgentEnded(ctx, agent.ID, endedAt); err != nil {
			return err
		}
		// The agent-level audit record: task events above reference their
		// tasks, this one records why the session itself ended.
		return tx.AppendEvent(ctx, &models.Event{
			AgentID:    &agent.ID,
			FromState:  models.TaskStateIdle,
			ToState:    models.TaskStateIdle,
			Trigger:    trigger,
			Confidence: 1.0,
			CreatedAt:  endedAt,
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrDeadlock) || errors.Is(err, repository.ErrUnavailable) {
			r.logger.WithAgentID(agent.ID).Warn("reap deferred, store busy", zap.Error(err))
			return
		}
		r.logger.WithAgentID(agent.ID).Error("reap failed", zap.Error(err))
		return
	}

	r.logger.WithAgentID(agent.ID).Info("reaped agent", zap.String("reason", reason))

	if r.summarizer != nil && len(pending) > 0 {
		r.summarizer.Enqueue(pending...)
	}
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(broadcast.EventSessionEnded, agent.ID, agent.ProjectID, map[string]any{
			"session_id": agent.SessionID,
			"reason":     reason,
		})
	}
}

// captureTail grabs the last lines of the agent's pane. Best effort: the
// pane is often already gone by the time the reaper arrives.
func (r *Reaper) captureTail(ctx context.Context, agent *models.Agent) string {
	if r.sink == nil || agent.PaneID == "" {
		return ""
	}
	text, err := r.sink.CapturePane(ctx, agent.PaneID, reapCaptureLines)
	if err != nil {
		r.logger.WithAgentID(agent.ID).Debug("pane capture unavailable", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func (r *Reaper) listPanes(ctx context.Context) map[string]terminal.Pane {
	if r.sink == nil {
		return nil
	}
	panes, err := r.sink.ListPanes(ctx)
	if err != nil {
		r.logger.Debug("pane listing unavailable", zap.Error(err))
		return nil
	}
	m := make(map[string]terminal.Pane, len(panes))
	for _, p := range panes {
		m[p.ID] = p
	}
	return m
}

func (r *Reaper) snapshotProcs(ctx context.Context) []terminal.Process {
	if r.probe == nil {
		return nil
	}
	procs, err := r.probe.Snapshot(ctx)
	if err != nil {
		r.logger.Debug("process snapshot unavailable", zap.Error(err))
		return nil
	}
	return procs
}
