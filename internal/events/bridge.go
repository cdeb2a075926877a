package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/events/bus"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// busSource identifies this daemon as the event producer.
const busSource = "headspace"

// respondQueue is the queue group for inbound respond commands. Every
// daemon joins the same group so a multi-process deployment sends each
// answer to the agent exactly once.
const respondQueue = "headspace-daemon"

// typeBySubject maps broadcaster event types onto bus subjects.
var typeBySubject = map[broadcast.EventType]string{
	broadcast.EventSessionCreated: SessionCreated,
	broadcast.EventSessionEnded:   SessionEnded,
	broadcast.EventStateChanged:   TaskStateChanged,
	broadcast.EventTurnCreated:    TurnCreated,
	broadcast.EventTurnUpdated:    TurnUpdated,
	broadcast.EventCardRefresh:    CardRefresh,
}

// Responder delivers an operator answer to an agent awaiting input.
type Responder interface {
	Respond(ctx context.Context, agentID, text string, file *models.FileMeta) (*lifecycle.Result, error)
}

// Bridge connects the in-process broadcaster to the event bus in both
// directions. Outbound it is a plain subscriber: the broadcaster's bounded
// queue and eviction rules apply to it like any websocket client, so a
// stalled bus cannot back-pressure the ingestion path. Inbound it consumes
// respond commands published by external tools and hands them to the
// responder.
type Bridge struct {
	broadcaster *broadcast.Broadcaster
	bus         bus.EventBus
	responder   Responder
	logger      *logger.Logger
}

// NewBridge creates a bridge. responder may be nil to disable the inbound
// command path.
func NewBridge(b *broadcast.Broadcaster, eventBus bus.EventBus, responder Responder, log *logger.Logger) *Bridge {
	return &Bridge{
		broadcaster: b,
		bus:         eventBus,
		responder:   responder,
		logger:      log.WithFields(zap.String("component", "event_bridge")),
	}
}

// Run pumps events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	if b.responder != nil {
		cmdSub, err := b.bus.QueueSubscribe(BuildCommandSubject(CommandRespond), respondQueue, b.handleRespond)
		if err != nil {
			b.logger.Error("respond command subscription failed", zap.Error(err))
		} else {
			defer func() { _ = cmdSub.Unsubscribe() }()
		}
	}

	sub := b.broadcaster.Subscribe(broadcast.Filter{})
	if sub == nil {
		b.logger.Error("broadcaster saturated, event bridge disabled")
		return
	}
	defer sub.Close()

	b.logger.Info("event bridge started")
	defer b.logger.Info("event bridge stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		event := sub.Next(time.Second)
		if event == nil {
			continue
		}
		b.publish(ctx, event)
	}
}

func (b *Bridge) publish(ctx context.Context, event *broadcast.Event) {
	eventType, ok := typeBySubject[event.Type]
	if !ok {
		return
	}

	data := map[string]any{
		"agent_id":   event.AgentID,
		"project_id": event.ProjectID,
		"sequence":   event.ID,
	}
	for k, v := range event.Payload {
		data[k] = v
	}

	subject := BuildAgentSubject(eventType, event.AgentID)
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(eventType, busSource, data)); err != nil {
		b.logger.Warn("bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// handleRespond relays an inbound respond command to the awaiting agent.
func (b *Bridge) handleRespond(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	text, _ := event.Data["text"].(string)
	if agentID == "" || text == "" {
		return fmt.Errorf("respond command %s missing agent_id or text", event.ID)
	}

	if _, err := b.responder.Respond(ctx, agentID, text, nil); err != nil {
		return fmt.Errorf("respond to agent %s: %w", agentID, err)
	}
	b.logger.Info("bus respond delivered", zap.String("agent_id", agentID))
	return nil
}
