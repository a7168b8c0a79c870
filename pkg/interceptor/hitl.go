package interceptor

import (
	"context"
	"fmt"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/fault"
)

// HITL suspends dispatches whose event type matches a configured pattern
// until a human decision is recorded on the approvals service. Denial and
// context expiry block the dispatch.
type HITL struct {
	patterns  []string
	approvals *Approvals
}

// NewHITL creates the human-in-the-loop interceptor. Patterns use the bus
// topic grammar, e.g. "tool.execute/shell/**".
func NewHITL(approvals *Approvals, patterns ...string) *HITL {
	return &HITL{patterns: patterns, approvals: approvals}
}

func (h *HITL) Name() string { return "hitl" }

func (h *HITL) Before(ctx context.Context, ev *bus.Event) (*bus.Event, error) {
	if !h.matches(ev.Type) {
		return ev, nil
	}

	id, decision := h.approvals.Submit(ApprovalRequest{
		EventType: ev.Type,
		Source:    ev.Source,
		Summary:   summarize(ev),
		Data:      ev.Data,
	})

	select {
	case <-ctx.Done():
		h.approvals.abandon(id)
		return nil, fmt.Errorf("approval of %s abandoned: %w", ev.Type, ctx.Err())
	case approved := <-decision:
		if !approved {
			return nil, fault.PermissionDenied(ev.Type, "denied by human reviewer")
		}
		return ev, nil
	}
}

func (h *HITL) After(context.Context, *bus.Event) {}

func (h *HITL) matches(eventType string) bool {
	for _, p := range h.patterns {
		if bus.MatchTopic(p, eventType) {
			return true
		}
	}
	return false
}

func summarize(ev *bus.Event) string {
	if ev.Data == nil {
		return ev.Type
	}
	if cmd, ok := ev.Data["command"].(string); ok && cmd != "" {
		return cmd
	}
	if tool, ok := ev.Data["tool"].(string); ok && tool != "" {
		return fmt.Sprintf("tool %s", tool)
	}
	return ev.Type
}
