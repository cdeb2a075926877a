package bus

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
)

// MemoryEventBus is the in-process bus used when no NATS URL is
// configured. Handlers run on their own goroutines; a slow consumer delays
// only itself, never the publisher.
type MemoryEventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool

	rrMu sync.Mutex
	rr   map[string]int // queue-group round-robin cursors

	logger *logger.Logger
}

type memorySub struct {
	id      int
	bus     *MemoryEventBus
	pattern []string // subscription subject split on "."
	queue   string   // empty for plain subscriptions
	handler EventHandler
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[int]*memorySub),
		rr:     make(map[string]int),
		logger: log,
	}
}

// Publish delivers the event to every matching subscription, and to one
// member of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var direct []*memorySub
	groups := make(map[string][]*memorySub)
	for _, sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		if sub.queue == "" {
			direct = append(direct, sub)
			continue
		}
		key := sub.queue + "|" + strings.Join(sub.pattern, ".")
		groups[key] = append(groups[key], sub)
	}
	b.mu.RUnlock()

	for _, sub := range direct {
		go b.deliver(ctx, sub, subject, event)
	}
	for key, members := range groups {
		// Cursor advance must be order-independent of map iteration.
		sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
		b.rrMu.Lock()
		idx := b.rr[key] % len(members)
		b.rr[key]++
		b.rrMu.Unlock()
		go b.deliver(ctx, members[idx], subject, event)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for every event matching the pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers a handler in the named queue group; each event
// goes to exactly one group member, rotating through them.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &memorySub{
		id:      b.nextID,
		bus:     b,
		pattern: strings.Split(subject, "."),
		queue:   queue,
		handler: handler,
	}
	b.subs[sub.id] = sub

	fields := []zap.Field{zap.String("subject", subject)}
	if queue != "" {
		fields = append(fields, zap.String("queue", queue))
	}
	b.logger.Info("Subscribed to subject", fields...)
	return sub, nil
}

// Close drops all subscriptions and fails further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySub)
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySub, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Unsubscribe removes the registration. In-flight deliveries finish.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// IsValid reports whether the subscription can still receive events.
func (s *memorySub) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	_, ok := s.bus.subs[s.id]
	return ok
}

// subjectMatches walks pattern and subject token-wise. * matches any
// single token; > matches one or more trailing tokens and must be last.
func subjectMatches(pattern []string, subject string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(pattern) == len(tokens)
}
