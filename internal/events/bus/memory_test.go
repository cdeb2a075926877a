package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samotage/claude-headspace/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("headspace.turn.created.agent-1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("turn.created", "headspace", map[string]interface{}{"turn_id": int64(7)})
	if err := bus.Publish(context.Background(), "headspace.turn.created.agent-1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "turn.created" || got.Data["turn_id"] != int64(7) {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryEventBusSingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int64
	sub, err := bus.Subscribe("headspace.session.ended.*", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	_ = bus.Publish(ctx, "headspace.session.ended.agent-1", NewEvent("session.ended", "headspace", nil))
	_ = bus.Publish(ctx, "headspace.session.ended.agent-2", NewEvent("session.ended", "headspace", nil))
	_ = bus.Publish(ctx, "headspace.turn.created.agent-1", NewEvent("turn.created", "headspace", nil))

	deadline := time.Now().Add(time.Second)
	for count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := count.Load(); got != 2 {
		t.Fatalf("wildcard delivered %d events, want 2", got)
	}
}

func TestMemoryEventBusMultiTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int64
	sub, err := bus.Subscribe("headspace.>", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	_ = bus.Publish(ctx, "headspace.turn.created.agent-1", NewEvent("turn.created", "headspace", nil))
	_ = bus.Publish(ctx, "headspace.card.refresh.agent-1", NewEvent("card.refresh", "headspace", nil))
	_ = bus.Publish(ctx, "other.subject", NewEvent("noise", "elsewhere", nil))

	deadline := time.Now().Add(time.Second)
	for count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := count.Load(); got != 2 {
		t.Fatalf("firehose delivered %d events, want 2", got)
	}
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int64
	sub, err := bus.Subscribe("headspace.card.refresh.agent-1", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Fatal("subscription still valid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), "headspace.card.refresh.agent-1", NewEvent("card.refresh", "headspace", nil))
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 0 {
		t.Fatal("unsubscribed handler was invoked")
	}
}

func TestMemoryEventBusQueueGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var first, second atomic.Int64
	subject := "headspace.command.respond"
	if _, err := bus.QueueSubscribe(subject, "daemons", func(ctx context.Context, event *Event) error {
		first.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("QueueSubscribe: %v", err)
	}
	if _, err := bus.QueueSubscribe(subject, "daemons", func(ctx context.Context, event *Event) error {
		second.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("QueueSubscribe: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = bus.Publish(ctx, subject, NewEvent("command.respond", "test", nil))
	}

	deadline := time.Now().Add(time.Second)
	for first.Load()+second.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if total := first.Load() + second.Load(); total != 4 {
		t.Fatalf("queue group delivered %d events, want 4", total)
	}
	// Round-robin: the group splits the stream evenly.
	if first.Load() != 2 || second.Load() != 2 {
		t.Fatalf("deliveries = %d/%d, want 2/2", first.Load(), second.Load())
	}
}

func TestMemoryEventBusClosedPublishFails(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	err := bus.Publish(context.Background(), "headspace.turn.created.agent-1", NewEvent("turn.created", "headspace", nil))
	if err == nil {
		t.Fatal("publish on closed bus should fail")
	}
	if bus.IsConnected() {
		t.Fatal("closed bus reports connected")
	}
}
