package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/events/bus"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/timeline/models"
)

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeResponder) Respond(_ context.Context, agentID, text string, _ *models.FileMeta) (*lifecycle.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentID+"/"+text)
	return &lifecycle.Result{Success: true}, nil
}

func (f *fakeResponder) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func startBridge(t *testing.T, responder Responder) (*broadcast.Broadcaster, *bus.MemoryEventBus) {
	t.Helper()
	log := logger.Default()
	broadcaster := broadcast.New(8, 16, time.Minute, time.Minute, log)
	memBus := bus.NewMemoryEventBus(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bridge := NewBridge(broadcaster, memBus, responder, log)
	go bridge.Run(ctx)

	// The bridge registers its broadcaster subscription asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if broadcaster.SubscriberCount() == 0 {
		t.Fatal("bridge never subscribed")
	}
	return broadcaster, memBus
}

func TestBridgeRepublishesBroadcastEvents(t *testing.T) {
	broadcaster, memBus := startBridge(t, nil)

	received := make(chan *bus.Event, 1)
	sub, err := memBus.Subscribe(BuildAgentWildcardSubject(TurnCreated), func(_ context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	broadcaster.Broadcast(broadcast.EventTurnCreated, "agent-1", "proj-1", map[string]any{"turn_id": int64(3)})

	select {
	case event := <-received:
		if event.Type != TurnCreated {
			t.Fatalf("event type = %s", event.Type)
		}
		if event.Data["agent_id"] != "agent-1" || event.Data["turn_id"] != int64(3) {
			t.Fatalf("event data = %+v", event.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the bus")
	}
}

func TestBridgeDeliversRespondCommands(t *testing.T) {
	responder := &fakeResponder{}
	_, memBus := startBridge(t, responder)

	event := bus.NewEvent(CommandRespond, "dashboard", map[string]any{
		"agent_id": "agent-1",
		"text":     "yes, proceed",
	})
	if err := memBus.Publish(context.Background(), BuildCommandSubject(CommandRespond), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(responder.recorded()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	calls := responder.recorded()
	if len(calls) != 1 || calls[0] != "agent-1/yes, proceed" {
		t.Fatalf("responder calls = %v", calls)
	}
}

func TestBridgeRejectsMalformedRespondCommand(t *testing.T) {
	responder := &fakeResponder{}
	bridge := NewBridge(nil, bus.NewMemoryEventBus(logger.Default()), responder, logger.Default())

	event := bus.NewEvent(CommandRespond, "dashboard", map[string]any{"text": "orphaned"})
	if err := bridge.handleRespond(context.Background(), event); err == nil {
		t.Fatal("expected error for command without agent_id")
	}
	if len(responder.recorded()) != 0 {
		t.Fatalf("responder invoked for malformed command: %v", responder.calls)
	}
}
