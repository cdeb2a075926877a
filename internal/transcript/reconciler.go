package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/hookstate"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/summarize"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// Stats summarizes one reconciliation pass.
type Stats struct {
	Skipped   bool // lock was busy or the agent has no transcript
	Created   int  // turns recovered from the transcript
	Corrected int  // server timestamps replaced with transcript timestamps
	Deduped   int  // entries already present
	Dropped   int  // entries the state machine rejected
}

// Reconciler replays transcript entries the hook stream missed and corrects
// timestamps on turns the hooks got to first. It is safe to run any time:
// hash dedup makes passes idempotent, and the per-agent reconcile lock keeps
// concurrent sweeps from doubling work.
type Reconciler struct {
	store       repository.Store
	locks       lockmgr.Manager
	hooks       *hookstate.State
	lifecycle   *lifecycle.Manager
	summarizer  *summarize.Worker
	broadcaster *broadcast.Broadcaster
	dedupWindow time.Duration
	legacyHash  bool
	logger      *logger.Logger
}

// NewReconciler creates a reconciler. dedupWindow bounds how far back hash
// matching looks; outside it, identical text is treated as a genuine repeat.
// legacyHash additionally matches rows hashed in the pre-actor format.
func NewReconciler(
	store repository.Store,
	locks lockmgr.Manager,
	hooks *hookstate.State,
	lc *lifecycle.Manager,
	summarizer *summarize.Worker,
	broadcaster *broadcast.Broadcaster,
	dedupWindow time.Duration,
	legacyHash bool,
	log *logger.Logger,
) *Reconciler {
	return &Reconciler{
		store:       store,
		locks:       locks,
		hooks:       hooks,
		lifecycle:   lc,
		summarizer:  summarizer,
		broadcaster: broadcaster,
		dedupWindow: dedupWindow,
		legacyHash:  legacyHash,
		logger:      log.WithFields(zap.String("component", "reconciler")),
	}
}

// Reconcile runs one pass over the agent's transcript. full forces a replay
// from byte zero (session end, watchdog-detected divergence); otherwise the
// pass is incremental from the stored offset.
func (r *Reconciler) Reconcile(ctx context.Context, agent *models.Agent, full bool) (Stats, error) {
	if agent.TranscriptPath == "" {
		return Stats{Skipped: true}, nil
	}

	key := lockmgr.Key{Namespace: lockmgr.NamespaceReconcile, AgentID: agent.ID}
	ctx, handle, ok, err := r.locks.TryLock(ctx, key)
	if err != nil {
		return Stats{}, fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !ok {
		return Stats{Skipped: true}, nil
	}
	defer handle.Release()

	offset := int64(0)
	if !full {
		offset = r.hooks.TranscriptOffset(agent.ID)
	}

	entries, newOffset, err := ReadEntries(agent.TranscriptPath, offset)
	if err != nil {
		return Stats{}, err
	}
	if len(entries) == 0 {
		r.hooks.SetTranscriptOffset(agent.ID, newOffset)
		return Stats{}, nil
	}

	var stats Stats
	var pending []summarize.Request
	var created []*lifecycle.Result
	var corrected []*models.Turn

	err = r.store.WithTx(ctx, func(tx repository.Store) error {
		for _, entry := range entries {
			applied, err := r.applyEntry(ctx, tx, agent, entry, &stats, &pending, &corrected)
			if err != nil {
				return err
			}
			if applied != nil {
				created = append(created, applied)
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reconcile transaction: %w", err)
	}

	r.hooks.SetTranscriptOffset(agent.ID, newOffset)

	// Post-commit side effects only.
	if len(pending) > 0 && r.summarizer != nil {
		r.summarizer.Enqueue(pending...)
	}
	if r.broadcaster != nil {
		for _, res := range created {
			if res.Turn != nil {
				r.broadcaster.Broadcast(broadcast.EventTurnCreated, agent.ID, agent.ProjectID, map[string]any{
					"turn_id": res.Turn.ID,
					"task_id": res.Task.ID,
					"source":  "reconciler",
				})
			}
			if res.StateChanged {
				r.broadcaster.Broadcast(broadcast.EventStateChanged, agent.ID, agent.ProjectID, map[string]any{
					"task_id": res.Task.ID,
					"from":    string(res.FromState),
					"to":      string(res.ToState),
				})
			}
		}
		for _, turn := range corrected {
			r.broadcaster.Broadcast(broadcast.EventTurnUpdated, agent.ID, agent.ProjectID, map[string]any{
				"turn_id": turn.ID,
				"task_id": turn.TaskID,
				"reason":  "timestamp_corrected",
			})
		}
		if stats.Created > 0 || stats.Corrected > 0 {
			r.broadcaster.Broadcast(broadcast.EventCardRefresh, agent.ID, agent.ProjectID, nil)
		}
	}

	if stats.Created > 0 || stats.Corrected > 0 || stats.Dropped > 0 {
		r.logger.WithAgentID(agent.ID).Info("reconcile pass",
			zap.Int("created", stats.Created),
			zap.Int("corrected", stats.Corrected),
			zap.Int("deduped", stats.Deduped),
			zap.Int("dropped", stats.Dropped),
			zap.Bool("full", full))
	}
	return stats, nil
}

// applyEntry reconciles one transcript entry inside the transaction. It
// returns the lifecycle result when a turn was created.
func (r *Reconciler) applyEntry(
	ctx context.Context,
	tx repository.Store,
	agent *models.Agent,
	entry Entry,
	stats *Stats,
	pending *[]summarize.Request,
	corrected *[]*models.Turn,
) (*lifecycle.Result, error) {
	// Dedup spans the whole agent, not just the current task: a full pass
	// after the task closed (session end, retried stop) replays entries
	// whose turns live on a COMPLETE task, and CurrentTaskForAgent no
	// longer sees them.
	hashes := []string{models.ContentHash(entry.Actor, entry.Text)}
	if r.legacyHash {
		hashes = append(hashes, models.LegacyContentHash(entry.Actor, entry.Text))
	}
	since := entry.Timestamp.Add(-r.dedupWindow)
	if entry.Timestamp.IsZero() {
		since = time.Now().Add(-r.dedupWindow)
	}
	existing, err := tx.FindTurnByHashForAgent(ctx, agent.ID, hashes, since)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find turn by hash: %w", err)
	}
	if existing != nil {
		// Hook-created rows carry the server clock; the transcript
		// knows when the turn really happened.
		if existing.TimestampSource == models.TimestampSourceServer &&
			!entry.Timestamp.IsZero() &&
			!existing.Timestamp.Equal(entry.Timestamp) {
			existing.Timestamp = entry.Timestamp
			existing.TimestampSource = models.TimestampSourceJSONL
			if err := tx.UpdateTurn(ctx, existing); err != nil {
				return nil, fmt.Errorf("correct turn timestamp: %w", err)
			}
			stats.Corrected++
			*corrected = append(*corrected, existing)
		} else {
			stats.Deduped++
		}
		return nil, nil
	}

	res, err := r.lifecycle.ProcessTurn(ctx, tx, agent, lifecycle.TurnInput{
		Actor:           entry.Actor,
		Text:            entry.Text,
		Trigger:         "reconciler:transcript",
		Timestamp:       entry.Timestamp,
		TimestampSource: models.TimestampSourceJSONL,
		IsInternal:      entry.IsInternal,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		stats.Dropped++
		r.logger.WithAgentID(agent.ID).Debug("transcript entry rejected",
			zap.String("actor", string(entry.Actor)),
			zap.String("reason", res.Reason))
		return nil, nil
	}

	stats.Created++
	*pending = append(*pending, res.Pending...)
	return res, nil
}
