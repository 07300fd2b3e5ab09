package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
)

// MemoryEventBus dispatches events in-process. It implements the NATS
// subject grammar (dotted tokens, * for one token, > for the rest) so
// code written against it moves to the NATS bus unchanged. Handlers
// run on their own goroutines; a slow subscriber never stalls Publish.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub // keyed by subject pattern
	rings  map[string]*ring        // queue groups, keyed by queue+":"+pattern
	closed bool
	log    *logger.Logger
}

// memorySub is one registered handler.
type memorySub struct {
	bus     *MemoryEventBus
	pattern string
	queue   string // empty for broadcast subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// ring round-robins deliveries across a queue group.
type ring struct {
	mu   sync.Mutex
	subs []*memorySub
	next int
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:  make(map[string][]*memorySub),
		rings: make(map[string]*ring),
		log:   log,
	}
}

// Subscribe registers a broadcast handler for the pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group: each matching
// event reaches exactly one live member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{bus: b, pattern: subject, queue: queue, handler: handler, active: true}
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		r, ok := b.rings[key]
		if !ok {
			r = &ring{}
			b.rings[key] = r
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	b.log.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Publish fans the event out: every matching broadcast subscription
// gets a copy, every matching queue group gets exactly one delivery.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	seenRings := make(map[string]bool)
	for pattern, subs := range b.subs {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if sub.queue == "" {
				b.dispatch(ctx, sub, subject, event)
				continue
			}
			key := sub.queue + ":" + pattern
			if !seenRings[key] {
				seenRings[key] = true
				if next := b.rings[key].pick(); next != nil {
					b.dispatch(ctx, next, subject, event)
				}
			}
		}
	}

	b.log.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// dispatch runs one handler on its own goroutine and logs failures.
func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySub, subject string, event *Event) {
	go func() {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("pattern", sub.pattern),
				zap.Error(err))
		}
	}()
}

// Request publishes the event with a private reply subject in its data
// and blocks for the first answer. Mirrors the NATS inbox convention.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	reply := "_INBOX." + event.ID
	answer := make(chan *Event, 1)

	sub, err := b.Subscribe(reply, func(ctx context.Context, e *Event) error {
		select {
		case answer <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = reply

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e := <-answer:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memorySub)
	b.rings = make(map[string]*ring)
	b.log.Info("memory event bus closed")
}

// IsConnected reports whether Publish still works.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the handler from its pattern list and, for queue
// members, from the group ring.
func (s *memorySub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.bus.subs[s.pattern] = removeSub(s.bus.subs[s.pattern], s)
	if s.queue != "" {
		if r, ok := s.bus.rings[s.queue+":"+s.pattern]; ok {
			r.mu.Lock()
			r.subs = removeSub(r.subs, s)
			r.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// pick returns the next live member of the group, advancing the
// round-robin cursor past deactivated entries.
func (r *ring) pick() *memorySub {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.subs); i++ {
		idx := (r.next + i) % len(r.subs)
		if r.subs[idx].IsValid() {
			r.next = (idx + 1) % len(r.subs)
			return r.subs[idx]
		}
	}
	return nil
}

// subjectMatches walks pattern and subject token by token. * consumes
// exactly one token; > consumes the rest (at least one). No regex: the
// grammar is small and this runs on every publish.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if pattern == "" || subject == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
