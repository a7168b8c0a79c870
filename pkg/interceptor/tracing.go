package interceptor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fractalhq/fractal/pkg/bus"
)

// Tracing attaches a W3C traceparent to events that carry none, so every
// delegation tree can be correlated in the event log.
type Tracing struct{}

// NewTracing creates the tracing interceptor.
func NewTracing() *Tracing { return &Tracing{} }

func (t *Tracing) Name() string { return "tracing" }

func (t *Tracing) Before(_ context.Context, ev *bus.Event) (*bus.Event, error) {
	if ev.Traceparent != "" {
		return ev, nil
	}
	out := ev.Clone()
	out.Traceparent = newTraceparent()
	return out, nil
}

func (t *Tracing) After(context.Context, *bus.Event) {}

// newTraceparent renders "00-<32 hex trace>-<16 hex span>-01".
func newTraceparent() string {
	var trace [16]byte
	var span [8]byte
	// rand.Read on crypto/rand never fails on supported platforms.
	_, _ = rand.Read(trace[:])
	_, _ = rand.Read(span[:])
	return fmt.Sprintf("00-%s-%s-01", hex.EncodeToString(trace[:]), hex.EncodeToString(span[:]))
}
