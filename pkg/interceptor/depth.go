package interceptor

import (
	"context"
	"log/slog"

	"github.com/fractalhq/fractal/pkg/bus"
)

// Depth blocks node.request events at or beyond the delegation depth limit,
// a backstop behind the orchestrator's own validation.
type Depth struct {
	max int
}

// NewDepth creates the depth interceptor.
func NewDepth(max int) *Depth { return &Depth{max: max} }

func (d *Depth) Name() string { return "depth" }

func (d *Depth) Before(_ context.Context, ev *bus.Event) (*bus.Event, error) {
	if ev.Type != bus.TypeNodeRequest || d.max <= 0 {
		return ev, nil
	}
	if intField(ev, "depth") >= d.max {
		slog.Warn("blocking node.request beyond depth limit",
			"source", ev.Source, "depth", intField(ev, "depth"), "max", d.max)
		return nil, nil
	}
	return ev, nil
}

func (d *Depth) After(context.Context, *bus.Event) {}
