package memory

import (
	"context"
	"fmt"

	"github.com/fractalhq/fractal/pkg/registry"
)

// Controller coordinates the per-agent memories of one process. Its one
// cross-cutting operation is context sharing: a bulk copy of recent
// conversation from a source session into destination sessions, taking a
// brief exclusive lock on each destination.
type Controller struct {
	managers *registry.BaseRegistry[*Manager]
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{managers: registry.NewBaseRegistry[*Manager]()}
}

// Register adds a manager under its session id.
func (c *Controller) Register(m *Manager) error {
	return c.managers.Register(m.SessionID(), m)
}

// Unregister removes the manager for a session.
func (c *Controller) Unregister(sessionID string) {
	_ = c.managers.Remove(sessionID)
}

// Get returns the manager for a session.
func (c *Controller) Get(sessionID string) (*Manager, bool) {
	return c.managers.Get(sessionID)
}

// Sessions returns the registered session ids in sorted order.
func (c *Controller) Sessions() []string {
	return c.managers.Names()
}

// ShareContext copies the taskLimit most-recent L1 messages from the source
// session into each destination's L1. The copies get fresh IDs and are
// independent items thereafter; each destination is locked for the duration
// of its copy.
func (c *Controller) ShareContext(ctx context.Context, srcSession string, dstSessions []string, taskLimit int) error {
	src, ok := c.managers.Get(srcSession)
	if !ok {
		return fmt.Errorf("source session %q not registered", srcSession)
	}

	snapshot := src.Recent(taskLimit, "")
	if len(snapshot) == 0 {
		return nil
	}

	for _, dstSession := range dstSessions {
		if dstSession == srcSession {
			continue
		}
		dst, ok := c.managers.Get(dstSession)
		if !ok {
			return fmt.Errorf("destination session %q not registered", dstSession)
		}
		dst.importMessages(ctx, snapshot)
	}
	return nil
}
