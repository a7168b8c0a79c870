package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/fractalhq/fractal/pkg/fault"
	"github.com/fractalhq/fractal/pkg/observability"
)

// Interceptor observes and steers events before and after publication.
//
// Before may rewrite the event (return a replacement), pass it through
// unchanged, block it silently (nil event, nil error), or block it with an
// error. After observes the published event; it runs only for interceptors
// whose Before succeeded, in reverse order.
type Interceptor interface {
	Name() string
	Before(ctx context.Context, ev *Event) (*Event, error)
	After(ctx context.Context, ev *Event)
}

// Dispatcher runs events through an interceptor chain and publishes the
// survivors on the bus. The chain is fixed at construction.
type Dispatcher struct {
	bus            *EventBus
	chain          []Interceptor
	defaultTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDefaultTimeout bounds dispatch calls that carry no timeout extension.
// Zero disables the default bound.
func WithDefaultTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.defaultTimeout = d
	}
}

// NewDispatcher builds a dispatcher over bus with the given chain. The chain
// slice is copied; later mutation of the argument has no effect.
func NewDispatcher(b *EventBus, chain []Interceptor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:   b,
		chain: append([]Interceptor(nil), chain...),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bus returns the underlying event bus.
func (d *Dispatcher) Bus() *EventBus { return d.bus }

// Chain returns the interceptor names in execution order.
func (d *Dispatcher) Chain() []string {
	names := make([]string, len(d.chain))
	for i, ic := range d.chain {
		names[i] = ic.Name()
	}
	return names
}

// Dispatch runs ev through every interceptor's Before in chain order,
// publishes the possibly-rewritten event, then runs After in reverse order
// for the interceptors whose Before succeeded.
//
// A Before returning a nil event blocks the dispatch: no publication, no
// After for the blocking interceptor or anything after it, but the
// interceptors already passed still get their After. A nil event with a nil
// error is a silent block; Dispatch returns (nil, nil).
//
// The call is bounded by the event's timeout extension, or the configured
// default. On expiry the publication is abandoned and a timeout error
// returned; no After hooks run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (*Event, error) {
	if ev == nil {
		return nil, fmt.Errorf("event cannot be nil")
	}

	timeout := d.defaultTimeout
	if t, ok := ev.Timeout(); ok {
		timeout = t
	}
	if timeout <= 0 {
		return d.dispatch(ctx, ev)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ev  *Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := d.dispatch(ctx, ev)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		return res.ev, res.err
	case <-ctx.Done():
		return nil, fault.Timeout("dispatch of "+ev.Type, timeout)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *Event) (*Event, error) {
	current := ev
	passed := 0

	for _, ic := range d.chain {
		next, err := ic.Before(ctx, current)
		if err != nil {
			observability.GetGlobalMetrics().RecordEventDropped(ctx, current.Type)
			d.unwind(ctx, passed, current)
			return nil, err
		}
		if next == nil {
			// Silent block.
			observability.GetGlobalMetrics().RecordEventDropped(ctx, current.Type)
			d.unwind(ctx, passed, current)
			return nil, nil
		}
		current = next
		passed++
	}

	if err := d.bus.Publish(ctx, current); err != nil {
		d.unwind(ctx, passed, current)
		return nil, err
	}
	observability.GetGlobalMetrics().RecordEventPublished(ctx, current.Type)

	d.unwind(ctx, passed, current)
	return current, nil
}

// unwind runs After for the first n chain entries in reverse order.
func (d *Dispatcher) unwind(ctx context.Context, n int, ev *Event) {
	for i := n - 1; i >= 0; i-- {
		d.chain[i].After(ctx, ev)
	}
}
