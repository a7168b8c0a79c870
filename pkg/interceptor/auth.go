package interceptor

import (
	"context"
	"log/slog"

	"github.com/fractalhq/fractal/pkg/bus"
)

// Auth blocks events whose source prefix is not in the allowed set. The
// block is silent: the publisher sees a nil event and no error, matching
// dispatcher semantics for a dropped dispatch.
type Auth struct {
	allowed map[string]struct{}
}

// NewAuth creates the auth interceptor. An empty prefix list allows
// everything.
func NewAuth(prefixes ...string) *Auth {
	allowed := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		allowed[p] = struct{}{}
	}
	return &Auth{allowed: allowed}
}

func (a *Auth) Name() string { return "auth" }

func (a *Auth) Before(_ context.Context, ev *bus.Event) (*bus.Event, error) {
	if len(a.allowed) == 0 {
		return ev, nil
	}
	if _, ok := a.allowed[sourcePrefix(ev.Source)]; ok {
		return ev, nil
	}
	slog.Warn("blocking event from unauthorized source",
		"source", ev.Source, "type", ev.Type)
	return nil, nil
}

func (a *Auth) After(context.Context, *bus.Event) {}
