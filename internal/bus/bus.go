// Package bus provides the process-wide publish/subscribe fabric that
// loosely couples the task queue, scheduler, goal orchestrator, and hub.
// Delivery is at-most-once and fire-and-forget.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 128

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu            sync.RWMutex
	subs          map[int]*Subscription
	nextID        int
	logger        *slog.Logger
	droppedEvents atomic.Int64
	warnedAt      atomic.Int64
}

// New creates a Bus without a logger.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a Bus that reports dropped-event thresholds.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The channel is buffered;
// slow consumers miss events rather than blocking publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				b.recordDrop(topic)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total events dropped on full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// recordDrop counts a dropped event and logs at exponentially spaced
// thresholds so a saturated subscriber cannot flood the log.
func (b *Bus) recordDrop(topic string) {
	count := b.droppedEvents.Add(1)
	if b.logger == nil {
		return
	}
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	if count != threshold {
		return
	}
	last := b.warnedAt.Load()
	if threshold <= last {
		return
	}
	if b.warnedAt.CompareAndSwap(last, threshold) {
		b.logger.Warn("bus dropped events",
			slog.Int64("count", count),
			slog.String("topic", topic),
		)
	}
}
