package interceptor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/fault"
)

func TestTracingAttachesTraceparent(t *testing.T) {
	ic := NewTracing()
	ev := bus.New(bus.TypeNodeThinking, "agent-1", nil)

	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, out.Traceparent)
	assert.Empty(t, ev.Traceparent, "original event must stay untouched")
}

func TestTracingKeepsExistingTraceparent(t *testing.T) {
	ic := NewTracing()
	ev := bus.New(bus.TypeNodeThinking, "agent-1", nil)
	ev.Traceparent = "00-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bbbbbbbbbbbbbbbb-01"

	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	assert.Same(t, ev, out)
}

func TestAuthAllowsKnownPrefix(t *testing.T) {
	ic := NewAuth("agent-1", "scheduler")

	for _, source := range []string{"agent-1", "agent-1:worker-0-ab12cd34", "scheduler/cron"} {
		ev := bus.New(bus.TypeNodeThinking, source, nil)
		out, err := ic.Before(context.Background(), ev)
		require.NoError(t, err)
		assert.NotNil(t, out, "source %q should pass", source)
	}
}

func TestAuthBlocksUnknownPrefix(t *testing.T) {
	ic := NewAuth("agent-1")
	ev := bus.New(bus.TypeNodeThinking, "intruder", nil)

	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, out, "unknown prefix must be silently blocked")
}

func TestBudgetBlocksOverLimit(t *testing.T) {
	b := bus.NewEventBus()
	var exceeded *bus.Event
	_, err := b.Subscribe(bus.TypeBudgetExceeded, func(_ context.Context, ev *bus.Event) error {
		exceeded = ev
		return nil
	})
	require.NoError(t, err)

	ic := NewBudget(1000, b)
	ev := bus.New("llm.request", "agent-1", map[string]any{"estimated_tokens": 1500})

	out, err := ic.Before(context.Background(), ev)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindBudgetExceeded))
	require.NotNil(t, exceeded, "budget.exceeded must be emitted")
	assert.Equal(t, 1000, exceeded.Data["limit"])
}

func TestBudgetAccountsActuals(t *testing.T) {
	ic := NewBudget(1000, nil)

	done := bus.New("llm.response", "agent-1", map[string]any{"tokens_used": 600})
	ic.After(context.Background(), done)
	assert.Equal(t, 600, ic.Spent())

	next := bus.New("llm.request", "agent-1", map[string]any{"estimated_tokens": 600})
	out, err := ic.Before(context.Background(), next)
	assert.Nil(t, out)
	assert.True(t, fault.IsKind(err, fault.KindBudgetExceeded))
}

func TestBudgetPassesWithinLimit(t *testing.T) {
	ic := NewBudget(1000, nil)
	ev := bus.New("llm.request", "agent-1", map[string]any{"estimated_tokens": 400})

	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestDepthBlocksDeepRequests(t *testing.T) {
	ic := NewDepth(3)

	deep := bus.New(bus.TypeNodeRequest, "agent-1", map[string]any{"depth": 3})
	out, err := ic.Before(context.Background(), deep)
	require.NoError(t, err)
	assert.Nil(t, out)

	shallow := bus.New(bus.TypeNodeRequest, "agent-1", map[string]any{"depth": 2})
	out, err = ic.Before(context.Background(), shallow)
	require.NoError(t, err)
	assert.NotNil(t, out)

	other := bus.New(bus.TypeNodeThinking, "agent-1", map[string]any{"depth": 9})
	out, err = ic.Before(context.Background(), other)
	require.NoError(t, err)
	assert.NotNil(t, out, "only node.request is depth-checked")
}

func TestTimeoutAttachesEffectiveDeadline(t *testing.T) {
	ic := NewTimeout(5 * time.Second)

	ev := bus.New(bus.TypeToolExecute, "agent-1", nil)
	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	d, ok := out.Timeout()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	assert.Contains(t, out.Extensions, bus.ExtDeadline)
}

func TestTimeoutTakesCallerMinimum(t *testing.T) {
	ic := NewTimeout(5 * time.Second)

	ev := bus.New(bus.TypeToolExecute, "agent-1", nil)
	ev.Extensions[bus.ExtTimeout] = time.Second
	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	d, ok := out.Timeout()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestHITLApprovalUnblocks(t *testing.T) {
	approvals := NewApprovals()
	ic := NewHITL(approvals, "tool.execute/shell/**")

	var wg sync.WaitGroup
	var out *bus.Event
	var berr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, berr = ic.Before(context.Background(),
			bus.New("tool.execute/shell/rm", "agent-1", map[string]any{"command": "rm -rf build"}))
	}()

	require.Eventually(t, func() bool { return len(approvals.Pending()) == 1 },
		time.Second, 10*time.Millisecond)
	pending := approvals.Pending()[0]
	assert.Equal(t, "rm -rf build", pending.Summary)
	require.NoError(t, approvals.Decide(pending.ID, true))

	wg.Wait()
	require.NoError(t, berr)
	assert.NotNil(t, out)
	assert.Empty(t, approvals.Pending())
}

func TestHITLDenialBlocks(t *testing.T) {
	approvals := NewApprovals()
	ic := NewHITL(approvals, "tool.execute/shell/**")

	var wg sync.WaitGroup
	var out *bus.Event
	var berr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, berr = ic.Before(context.Background(),
			bus.New("tool.execute/shell/rm", "agent-1", nil))
	}()

	require.Eventually(t, func() bool { return len(approvals.Pending()) == 1 },
		time.Second, 10*time.Millisecond)
	require.NoError(t, approvals.Decide(approvals.Pending()[0].ID, false))

	wg.Wait()
	assert.Nil(t, out)
	assert.True(t, fault.IsKind(berr, fault.KindPermissionDenied))
}

func TestHITLContextExpiry(t *testing.T) {
	approvals := NewApprovals()
	ic := NewHITL(approvals, "tool.execute/**")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := ic.Before(ctx, bus.New("tool.execute/shell/rm", "agent-1", nil))
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Empty(t, approvals.Pending(), "abandoned request must be dropped")
}

func TestHITLIgnoresUnmatchedTypes(t *testing.T) {
	ic := NewHITL(NewApprovals(), "tool.execute/shell/**")
	ev := bus.New(bus.TypeNodeThinking, "agent-1", nil)

	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	assert.Same(t, ev, out)
}

func TestAdaptiveHintsAfterRepeatedFailures(t *testing.T) {
	ic := NewAdaptive(AdaptiveConfig{FailureThreshold: 3})

	failure := bus.New("llm.response", "agent-1", map[string]any{"error": "boom"})
	for i := 0; i < 3; i++ {
		ic.After(context.Background(), failure)
	}

	out, err := ic.Before(context.Background(), bus.New("llm.request", "agent-1", nil))
	require.NoError(t, err)
	assert.Equal(t, HintSwitchBackoff, out.Extensions[ExtRecoveryHint])
}

func TestAdaptiveHintsOnTokenSpike(t *testing.T) {
	ic := NewAdaptive(AdaptiveConfig{TokenRateLimit: 1000})

	ic.After(context.Background(), bus.New("llm.response", "agent-1", map[string]any{"tokens_used": 1200}))

	out, err := ic.Before(context.Background(), bus.New("llm.request", "agent-1", nil))
	require.NoError(t, err)
	assert.Equal(t, HintReduceLoad, out.Extensions[ExtRecoveryHint])
	assert.Equal(t, true, out.Extensions[ExtReducedBatch])
}

func TestAdaptiveQuietPassesThrough(t *testing.T) {
	ic := NewAdaptive(AdaptiveConfig{})
	ev := bus.New("llm.request", "agent-1", nil)

	out, err := ic.Before(context.Background(), ev)
	require.NoError(t, err)
	assert.Same(t, ev, out)
}

// recorder traces chain execution for ordering assertions.
type recorder struct {
	name  string
	block bool
	log   *[]string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Before(_ context.Context, ev *bus.Event) (*bus.Event, error) {
	*r.log = append(*r.log, r.name+".pre")
	if r.block {
		return nil, nil
	}
	return ev, nil
}

func (r *recorder) After(context.Context, *bus.Event) {
	*r.log = append(*r.log, r.name+".post")
}

func TestChainBlockSkipsDownstreamAndUnwindsUpstream(t *testing.T) {
	var log []string
	chain := []bus.Interceptor{
		&recorder{name: "A", log: &log},
		&recorder{name: "B", block: true, log: &log},
		&recorder{name: "C", log: &log},
	}
	d := bus.NewDispatcher(bus.NewEventBus(), chain)

	out, err := d.Dispatch(context.Background(), bus.New(bus.TypeNodeThinking, "agent-1", nil))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{"A.pre", "B.pre", "A.post"}, log)
}

func TestFullChainOrdering(t *testing.T) {
	approvals := NewApprovals()
	chain := []bus.Interceptor{
		NewTracing(),
		NewAuth("agent-1"),
		NewBudget(0, nil),
		NewDepth(3),
		NewTimeout(time.Minute),
		NewHITL(approvals, "tool.execute/shell/**"),
		NewAdaptive(AdaptiveConfig{}),
	}
	d := bus.NewDispatcher(bus.NewEventBus(), chain)

	out, err := d.Dispatch(context.Background(), bus.New(bus.TypeNodeThinking, "agent-1", nil))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotEmpty(t, out.Traceparent)
	d2, ok := out.Timeout()
	require.True(t, ok)
	assert.Equal(t, time.Minute, d2)
}
