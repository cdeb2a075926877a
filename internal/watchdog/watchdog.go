// Package watchdog polls terminal panes for agent output the hook stream
// never reported. It is the cheapest detector of hook-pipeline breakage:
// when pane content keeps changing but no recent turn accounts for it, the
// transcript reconciler is kicked.
package watchdog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/terminal"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
	"github.com/samotage/claude-headspace/internal/transcript"
)

// Matching constants: only substantial trailing lines participate, so
// prompts, spinners, and box-drawing chrome cannot produce false gaps.
const (
	overlapLines  = 3
	minLineLength = 20
)

type paneState struct {
	lastHash         string
	firstUnmatchedAt time.Time
}

// Watchdog polls panes of live agents and triggers reconciliation when
// output diverges from the timeline.
type Watchdog struct {
	store        repository.Store
	sink         terminal.Sink
	reconciler   *transcript.Reconciler
	logger       *logger.Logger
	pollInterval time.Duration
	gapThreshold time.Duration
	turnWindow   time.Duration
	captureLines int
	now          func() time.Time

	mu    sync.Mutex
	panes map[string]*paneState // agent id -> state
}

// New creates a watchdog.
func New(
	store repository.Store,
	sink terminal.Sink,
	reconciler *transcript.Reconciler,
	pollInterval, gapThreshold, turnWindow time.Duration,
	captureLines int,
	log *logger.Logger,
) *Watchdog {
	return &Watchdog{
		store:        store,
		sink:         sink,
		reconciler:   reconciler,
		logger:       log.WithFields(zap.String("component", "watchdog")),
		pollInterval: pollInterval,
		gapThreshold: gapThreshold,
		turnWindow:   turnWindow,
		captureLines: captureLines,
		now:          time.Now,
		panes:        make(map[string]*paneState),
	}
}

// Run polls until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", zap.Duration("interval", w.pollInterval))
	defer w.logger.Info("watchdog stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	agents, err := w.store.ListActiveAgents(ctx)
	if err != nil {
		w.logger.Warn("failed to list active agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if agent.PaneID == "" {
			continue
		}
		w.checkAgent(ctx, agent)
	}
}

// checkAgent captures the agent's pane and decides whether its output is
// accounted for.
func (w *Watchdog) checkAgent(ctx context.Context, agent *models.Agent) {
	content, err := w.sink.CapturePane(ctx, agent.PaneID, w.captureLines)
	if err != nil {
		// The reaper owns missing-pane handling.
		return
	}

	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	state, ok := w.panes[agent.ID]
	if !ok {
		state = &paneState{}
		w.panes[agent.ID] = state
	}
	unchanged := state.lastHash == hash
	state.lastHash = hash
	w.mu.Unlock()

	if unchanged {
		return
	}

	lines := significantTail(content, overlapLines)
	if len(lines) == 0 {
		return
	}

	matched, err := w.outputMatchesTimeline(ctx, agent, lines)
	if err != nil {
		w.logger.WithAgentID(agent.ID).Warn("overlap check failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	if matched {
		state.firstUnmatchedAt = time.Time{}
		w.mu.Unlock()
		return
	}
	if state.firstUnmatchedAt.IsZero() {
		state.firstUnmatchedAt = w.now()
		w.mu.Unlock()
		return
	}
	gap := w.now().Sub(state.firstUnmatchedAt)
	trigger := gap > w.gapThreshold
	if trigger {
		state.firstUnmatchedAt = time.Time{}
	}
	w.mu.Unlock()

	if !trigger {
		return
	}

	w.logger.WithAgentID(agent.ID).Info("unaccounted pane output, reconciling",
		zap.Duration("gap", gap))
	if _, err := w.reconciler.Reconcile(ctx, agent, false); err != nil {
		w.logger.WithAgentID(agent.ID).Warn("watchdog reconcile failed", zap.Error(err))
	}
}

// outputMatchesTimeline reports whether any of the pane's trailing lines
// appear in a recent agent turn.
func (w *Watchdog) outputMatchesTimeline(ctx context.Context, agent *models.Agent, lines []string) (bool, error) {
	task, err := w.store.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil {
		// No open task means nothing can match; treat any output as novel
		// only once a task exists, otherwise it is shell noise.
		return true, nil
	}

	turns, err := w.store.ListTurnsForTask(ctx, task.ID, repository.ListTurnsOptions{IncludeInternal: true})
	if err != nil {
		return false, err
	}

	cutoff := w.now().Add(-w.turnWindow)
	var recent []string
	for _, turn := range turns {
		if turn.Actor != models.ActorAgent || turn.CreatedAt.Before(cutoff) {
			continue
		}
		recent = append(recent, normalizeLine(turn.Text))
	}
	if len(recent) == 0 {
		return false, nil
	}

	for _, line := range lines {
		needle := normalizeLine(line)
		for _, hay := range recent {
			if strings.Contains(hay, needle) {
				return true, nil
			}
		}
	}
	return false, nil
}

// significantTail returns up to n trailing non-empty lines longer than
// minLineLength after normalization.
func significantTail(content string, n int) []string {
	all := strings.Split(content, "\n")
	var out []string
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		line := normalizeLine(all[i])
		if len(line) >= minLineLength {
			out = append(out, line)
		}
	}
	return out
}

// normalizeLine collapses whitespace so pane wrapping cannot defeat
// substring matching.
func normalizeLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
