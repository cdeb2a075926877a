// Package broadcast provides the in-process publish/subscribe fan-out for
// timeline events. Subscribers get bounded queues and optional filters;
// stale subscribers are evicted by a background sweeper.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
)

// EventType identifies a broadcast event kind.
type EventType string

// Event catalogue emitted by the core.
const (
	EventSessionCreated EventType = "session_created"
	EventSessionEnded   EventType = "session_ended"
	EventStateChanged   EventType = "state_changed"
	EventTurnCreated    EventType = "turn_created"
	EventTurnUpdated    EventType = "turn_updated"
	EventCardRefresh    EventType = "card_refresh"
)

// Event is one broadcast message. ID is monotonically increasing per
// broadcaster, giving subscribers a replay sequence for their own agent but
// no cross-agent causal ordering.
type Event struct {
	ID        int64          `json:"id"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter narrows which events a subscriber receives. Zero values match
// everything.
type Filter struct {
	Types     []EventType
	ProjectID string
	AgentID   string
}

func (f Filter) matches(e *Event) bool {
	if f.ProjectID != "" && f.ProjectID != e.ProjectID {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// maxConsecutiveFailures is how many dropped writes unregister a subscriber.
const maxConsecutiveFailures = 3

// Subscription is one subscriber's handle.
type Subscription struct {
	ID     int64
	filter Filter
	ch     chan *Event
	b      *Broadcaster

	mu         sync.Mutex
	failures   int
	lastActive time.Time
	closed     bool
}

// Next blocks up to timeout for the next event. A nil return on timeout is
// normal; consumers treat it as a heartbeat tick.
func (s *Subscription) Next(timeout time.Duration) *Event {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()

	select {
	case e, ok := <-s.ch:
		if !ok {
			return nil
		}
		return e
	case <-time.After(timeout):
		return nil
	}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.ID)
}

// Closed reports whether the subscription has been unregistered. Consumers
// polling Next use it to tell eviction apart from an idle heartbeat.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Broadcaster fans events out to registered subscribers.
type Broadcaster struct {
	maxSubscribers int
	queueSize      int
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	logger         *logger.Logger

	mu          sync.Mutex
	subs        map[int64]*Subscription
	nextClient  int64
	nextEventID int64
}

// New creates a broadcaster. maxSubscribers bounds registration; queueSize
// bounds each subscriber's queue.
func New(maxSubscribers, queueSize int, idleTimeout, sweepInterval time.Duration, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		maxSubscribers: maxSubscribers,
		queueSize:      queueSize,
		idleTimeout:    idleTimeout,
		sweepInterval:  sweepInterval,
		logger:         log.WithFields(zap.String("component", "broadcaster")),
		subs:           make(map[int64]*Subscription),
	}
}

// Subscribe registers a new subscriber. Returns nil when the broadcaster is
// saturated; the caller should surface "try again".
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.maxSubscribers {
		b.logger.Warn("subscriber capacity reached",
			zap.Int("max", b.maxSubscribers))
		return nil
	}

	b.nextClient++
	sub := &Subscription{
		ID:         b.nextClient,
		filter:     filter,
		ch:         make(chan *Event, b.queueSize),
		b:          b,
		lastActive: time.Now(),
	}
	b.subs[sub.ID] = sub
	return sub
}

func (b *Broadcaster) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Broadcast constructs the event, assigns the next monotonic id, and pushes
// it into every matching subscriber's queue. Full queues count as failed
// writes; the sweeper evicts repeat offenders.
func (b *Broadcaster) Broadcast(eventType EventType, agentID, projectID string, payload map[string]any) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextEventID++
	event := &Event{
		ID:        b.nextEventID,
		Type:      eventType,
		AgentID:   agentID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	for _, sub := range b.subs {
		if !sub.filter.matches(event) {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- event:
			sub.failures = 0
		default:
			sub.failures++
			b.logger.Debug("subscriber queue full",
				zap.Int64("client_id", sub.ID),
				zap.Int("failures", sub.failures))
		}
		sub.mu.Unlock()
	}

	return event
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run sweeps stale subscribers until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	b.logger.Info("broadcaster sweeper started")
	defer b.logger.Info("broadcaster sweeper stopped")

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep unregisters subscribers with too many failed writes or no
// consumption within the idle window.
func (b *Broadcaster) sweep() {
	b.mu.Lock()
	var stale []int64
	now := time.Now()
	for id, sub := range b.subs {
		sub.mu.Lock()
		if sub.failures >= maxConsecutiveFailures || now.Sub(sub.lastActive) > b.idleTimeout {
			stale = append(stale, id)
		}
		sub.mu.Unlock()
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.logger.Info("evicting stale subscriber", zap.Int64("client_id", id))
		b.unsubscribe(id)
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	ids := make([]int64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.unsubscribe(id)
	}
}
