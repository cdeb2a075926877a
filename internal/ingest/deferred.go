package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// scheduleDeferredStop starts the single-flight worker that waits for the
// transcript to flush the agent's final message. Returns false when a worker
// is already in flight for the agent.
//
// The stop hook routinely outruns the transcript write by a few hundred
// milliseconds; the schedule's ceiling bounds how stale the card can be, so
// it is fixed delays rather than backoff.
func (i *Ingestor) scheduleDeferredStop(agent *models.Agent) bool {
	if !i.hooks.TryClaimDeferredStop(agent.ID) {
		return false
	}
	go i.runDeferredStop(context.Background(), agent)
	return true
}

func (i *Ingestor) runDeferredStop(ctx context.Context, agent *models.Agent) {
	defer i.hooks.ReleaseDeferredStop(agent.ID)
	log := i.logger.WithAgentID(agent.ID)

	for _, delay := range i.deferredDelays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// An incremental reconcile picks up whatever the transcript now
		// holds; if the final message was a question or completion, the
		// task has moved and the worker is done.
		if i.reconciler != nil {
			if _, err := i.reconciler.Reconcile(ctx, agent, false); err != nil {
				log.Warn("deferred-stop reconcile failed", zap.Error(err))
			}
		}

		settled, err := i.stopSettled(ctx, agent)
		if err != nil {
			log.Warn("deferred-stop state check failed", zap.Error(err))
			continue
		}
		if settled {
			i.hooks.ClearProgress(agent.ID)
			return
		}
	}

	// The transcript never surfaced a closing message. The agent did stop,
	// so the task completes; the best available text is the last buffered
	// progress message.
	var closing string
	if buffer := i.hooks.ProgressBuffer(agent.ID); len(buffer) > 0 {
		closing = buffer[len(buffer)-1]
	}

	_, err := i.withAgentLock(ctx, agent, func(ctx context.Context, tx repository.Store) (*lifecycle.Result, error) {
		task, err := tx.CurrentTaskForAgent(ctx, agent.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if task.State == models.TaskStateAwaitingInput {
			// A question landed between the check and the lock; leave it.
			return nil, nil
		}
		return i.lifecycle.CompleteTask(ctx, tx, agent, task, "hook:stop:deferred", closing, models.IntentEndOfTask)
	})
	if err != nil {
		log.Warn("deferred-stop completion failed", zap.Error(err))
		return
	}
	i.hooks.ClearProgress(agent.ID)
}

// stopSettled reports whether the agent's current task has left PROCESSING
// (or there is no task at all).
func (i *Ingestor) stopSettled(ctx context.Context, agent *models.Agent) (bool, error) {
	task, err := i.store.CurrentTaskForAgent(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return task.State != models.TaskStateProcessing && task.State != models.TaskStateCommanded, nil
}
