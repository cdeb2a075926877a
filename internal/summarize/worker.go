package summarize

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/notify"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

// queueCapacity bounds the pending request buffer. Overflow drops the
// request with a log; a missing summary is cosmetic.
const queueCapacity = 512

// Worker drains summarization requests asynchronously and writes results
// back into the timeline. Task-completion summaries additionally release
// the deferred completion notification.
type Worker struct {
	store    repository.Store
	client   Client
	notifier notify.Notifier
	logger   *logger.Logger
	queue    chan Request
	done     chan struct{}
}

// NewWorker creates a summarization worker.
func NewWorker(store repository.Store, client Client, notifier notify.Notifier, log *logger.Logger) *Worker {
	return &Worker{
		store:    store,
		client:   client,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "summarize")),
		queue:    make(chan Request, queueCapacity),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules requests for background execution. Never blocks.
func (w *Worker) Enqueue(requests ...Request) {
	for _, req := range requests {
		select {
		case w.queue <- req:
		default:
			w.logger.Warn("summarization queue full, dropping request",
				zap.String("kind", string(req.Kind)),
				zap.Int64("task_id", req.TaskID))
		}
	}
}

// Run processes the queue until ctx is cancelled, then drains what is
// already buffered with a short grace window.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("summarization worker started")
	defer w.logger.Info("summarization worker stopped")
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case req := <-w.queue:
			w.process(context.Background(), req)
		}
	}
}

// Done is closed when Run has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) drain() {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case req := <-w.queue:
			w.process(context.Background(), req)
		default:
			return
		}
	}
}

// process executes one request. All failures are logged and swallowed;
// summarization must never poison the timeline.
func (w *Worker) process(ctx context.Context, req Request) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := w.apply(ctx, req); err != nil {
		w.logger.Warn("summarization failed",
			zap.String("kind", string(req.Kind)),
			zap.Int64("task_id", req.TaskID),
			zap.Int64("turn_id", req.TurnID),
			zap.Error(err))
	}
}

func (w *Worker) apply(ctx context.Context, req Request) error {
	summary, err := w.client.Summarize(ctx, req.Kind, req.Text)
	if err != nil {
		return err
	}

	switch req.Kind {
	case KindTurn:
		turn, err := w.store.GetTurn(ctx, req.TurnID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		turn.Summary = summary
		turn.SummaryAt = &now
		return w.store.UpdateTurn(ctx, turn)

	case KindInstruction:
		task, err := w.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		task.InstructionSummary = summary
		return w.store.UpdateTask(ctx, task)

	case KindTaskCompletion:
		task, err := w.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		task.CompletionSummary = summary
		if err := w.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		w.sendCompletionNotification(ctx, task, summary)
		return nil

	default:
		return fmt.Errorf("unknown summarization kind %q", req.Kind)
	}
}

// sendCompletionNotification emits the deferred completion notification now
// that the summary exists.
func (w *Worker) sendCompletionNotification(ctx context.Context, task *models.Task, summary string) {
	if w.notifier == nil {
		return
	}
	n := notify.Notification{
		Title:    "Task complete",
		Subtitle: task.AgentID,
		Body:     summary,
	}
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.logger.Warn("completion notification failed",
			zap.Int64("task_id", task.ID),
			zap.Error(err))
	}
}
