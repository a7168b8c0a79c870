package interceptor

import (
	"context"
	"time"

	"github.com/fractalhq/fractal/pkg/bus"
)

// Timeout attaches an effective deadline to every event: the minimum of the
// caller's timeout extension and the configured ceiling. Enforcement lives
// in the dispatcher; this interceptor only normalizes the extensions.
type Timeout struct {
	ceiling time.Duration
}

// NewTimeout creates the timeout interceptor.
func NewTimeout(ceiling time.Duration) *Timeout { return &Timeout{ceiling: ceiling} }

func (t *Timeout) Name() string { return "timeout" }

func (t *Timeout) Before(_ context.Context, ev *bus.Event) (*bus.Event, error) {
	effective := t.ceiling
	if requested, ok := ev.Timeout(); ok && (effective == 0 || requested < effective) {
		effective = requested
	}
	if effective <= 0 {
		return ev, nil
	}

	out := ev.Clone()
	out.Extensions[bus.ExtTimeout] = effective
	out.Extensions[bus.ExtDeadline] = time.Now().Add(effective)
	return out, nil
}

func (t *Timeout) After(context.Context, *bus.Event) {}
