package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler consumes one event. A returned error (or a panic) is captured on
// the event's log record and surfaced on the bus error channel; it is never
// propagated to the publisher.
type Handler func(ctx context.Context, ev *Event) error

// HandlerError reports one subscriber failure.
type HandlerError struct {
	Pattern string
	EventID string
	Err     error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed on event %s: %v", e.Pattern, e.EventID, e.Err)
}

// Subscription unregisters its handler when closed. Close is idempotent.
type Subscription interface {
	Close()
}

type subscriber struct {
	seq     uint64
	pattern string
	handler Handler
}

type subscription struct {
	bus  *EventBus
	sub  *subscriber
	once sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.sub)
	})
}

// EventBus is a topic-routed publish/subscribe substrate. Matching
// subscribers are started in subscription order; their handlers run
// concurrently and the publisher waits for all of them, so a slow handler
// slows its publisher by design. There is no queue.
type EventBus struct {
	mu      sync.RWMutex
	nextSeq uint64
	subs    map[*subscriber]struct{}
	closed  bool

	log  *Log
	errs chan HandlerError
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithRingSize sets the diagnostic log capacity (default 1000).
func WithRingSize(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.log = NewLog(n)
		}
	}
}

// WithErrorBuffer sets the handler-error channel capacity (default 64).
func WithErrorBuffer(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.errs = make(chan HandlerError, n)
		}
	}
}

// NewEventBus creates a bus with a bounded diagnostic log.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs: make(map[*subscriber]struct{}),
		log:  NewLog(DefaultRingSize),
		errs: make(chan HandlerError, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for topics matching pattern.
func (b *EventBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	b.nextSeq++
	sub := &subscriber{seq: b.nextSeq, pattern: pattern, handler: handler}
	b.subs[sub] = struct{}{}
	return &subscription{bus: b, sub: sub}, nil
}

func (b *EventBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Publish delivers ev to every subscriber whose pattern matches the event
// type, starting handlers in subscription order and waiting for all of them.
// Handler failures are captured, not returned.
func (b *EventBus) Publish(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	matched := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		if MatchTopic(sub.pattern, ev.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	// Dispatch start order is deterministic: subscription order.
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	record := b.log.Append(ev)

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			b.invoke(ctx, sub, ev, record)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (b *EventBus) invoke(ctx context.Context, sub *subscriber, ev *Event, record *Record) {
	defer func() {
		if r := recover(); r != nil {
			b.capture(record, HandlerError{
				Pattern: sub.pattern,
				EventID: ev.ID,
				Err:     fmt.Errorf("handler panic: %v", r),
			})
		}
	}()

	if err := sub.handler(ctx, ev); err != nil {
		b.capture(record, HandlerError{Pattern: sub.pattern, EventID: ev.ID, Err: err})
	}
}

func (b *EventBus) capture(record *Record, herr HandlerError) {
	record.addFailure(herr)

	// The lock orders this send against Close: handlers from a fanout that
	// started before Close may still be finishing after it, and a send on
	// the closed channel would panic.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.errs <- herr:
	default:
		// Telemetry channel full; the log record still holds the failure.
		slog.Warn("bus error channel full, dropping handler error",
			"pattern", herr.Pattern, "event_id", herr.EventID, "error", herr.Err)
	}
}

// Errors exposes captured handler failures for telemetry consumers.
func (b *EventBus) Errors() <-chan HandlerError {
	return b.errs
}

// Log returns the bounded diagnostic event log.
func (b *EventBus) Log() *Log {
	return b.log
}

// SubscriberCount reports the number of live subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close rejects further publications and subscriptions.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.errs)
}
