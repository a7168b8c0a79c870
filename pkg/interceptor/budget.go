package interceptor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/fault"
)

// Payload keys the budget interceptor reads.
const (
	keyEstimatedTokens = "estimated_tokens"
	keyTokensUsed      = "tokens_used"
)

// Budget enforces a session-wide token ceiling. Before dispatch it compares
// the running total plus the event's estimate against the limit, blocking
// with fault.BudgetExceeded and emitting a budget.exceeded event when it
// would overflow. After dispatch it folds in the actual consumption the
// event reports.
type Budget struct {
	limit int
	bus   *bus.EventBus

	mu    sync.Mutex
	spent int
}

// NewBudget creates the budget interceptor. A zero limit disables
// enforcement but keeps the accounting.
func NewBudget(limit int, b *bus.EventBus) *Budget {
	return &Budget{limit: limit, bus: b}
}

func (b *Budget) Name() string { return "budget" }

// Spent returns the tokens consumed so far.
func (b *Budget) Spent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

func (b *Budget) Before(ctx context.Context, ev *bus.Event) (*bus.Event, error) {
	estimate := intField(ev, keyEstimatedTokens)
	if estimate == 0 || b.limit == 0 {
		return ev, nil
	}

	b.mu.Lock()
	projected := b.spent + estimate
	spent := b.spent
	b.mu.Unlock()

	if projected > b.limit {
		b.emitExceeded(ctx, ev, spent)
		return nil, fault.BudgetExceeded(projected, b.limit)
	}
	return ev, nil
}

func (b *Budget) After(_ context.Context, ev *bus.Event) {
	used := intField(ev, keyTokensUsed)
	if used == 0 {
		return
	}
	b.mu.Lock()
	b.spent += used
	b.mu.Unlock()
}

func (b *Budget) emitExceeded(ctx context.Context, cause *bus.Event, spent int) {
	if b.bus == nil {
		return
	}
	ev := bus.New(bus.TypeBudgetExceeded, cause.Source, map[string]any{
		"limit":    b.limit,
		"spent":    spent,
		"event_id": cause.ID,
	})
	ev.Traceparent = cause.Traceparent
	if err := b.bus.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish budget.exceeded", "error", err)
	}
}

func intField(ev *bus.Event, key string) int {
	if ev.Data == nil {
		return 0
	}
	switch v := ev.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
