package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/fault"
)

// recordingInterceptor logs before/after invocations to a shared trace and
// can be configured to block, fail, or rewrite.
type recordingInterceptor struct {
	name    string
	trace   *[]string
	mu      *sync.Mutex
	block   bool
	err     error
	rewrite func(*Event) *Event
}

func (r *recordingInterceptor) Name() string { return r.name }

func (r *recordingInterceptor) Before(ctx context.Context, ev *Event) (*Event, error) {
	r.mu.Lock()
	*r.trace = append(*r.trace, r.name+".before")
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.block {
		return nil, nil
	}
	if r.rewrite != nil {
		return r.rewrite(ev), nil
	}
	return ev, nil
}

func (r *recordingInterceptor) After(ctx context.Context, ev *Event) {
	r.mu.Lock()
	*r.trace = append(*r.trace, r.name+".after")
	r.mu.Unlock()
}

func newTrace() (*[]string, *sync.Mutex) {
	trace := make([]string, 0, 8)
	return &trace, &sync.Mutex{}
}

func TestDispatchRunsChainAndPublishes(t *testing.T) {
	b := NewEventBus()
	trace, mu := newTrace()

	var delivered *Event
	mustSubscribe(t, b, "node.request", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		*trace = append(*trace, "handler")
		delivered = ev
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(b, []Interceptor{
		&recordingInterceptor{name: "a", trace: trace, mu: mu},
		&recordingInterceptor{name: "b", trace: trace, mu: mu},
	})

	out, err := d.Dispatch(context.Background(), New("node.request", "root", nil))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotNil(t, delivered)
	assert.Equal(t, []string{"a.before", "b.before", "handler", "b.after", "a.after"}, *trace)
}

func TestDispatchBlockSkipsRestAndUnwindsPassed(t *testing.T) {
	b := NewEventBus()
	trace, mu := newTrace()

	mustSubscribe(t, b, "node.request", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		*trace = append(*trace, "handler")
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(b, []Interceptor{
		&recordingInterceptor{name: "a", trace: trace, mu: mu},
		&recordingInterceptor{name: "b", trace: trace, mu: mu, block: true},
		&recordingInterceptor{name: "c", trace: trace, mu: mu},
	})

	out, err := d.Dispatch(context.Background(), New("node.request", "root", nil))
	require.NoError(t, err, "a silent block is not an error")
	assert.Nil(t, out)

	// b blocked: c never ran, the event never published, b got no after,
	// and a (which passed) was unwound.
	assert.Equal(t, []string{"a.before", "b.before", "a.after"}, *trace)
}

func TestDispatchErrorPropagatesAndUnwinds(t *testing.T) {
	b := NewEventBus()
	trace, mu := newTrace()

	denied := errors.New("blocked by policy")
	d := NewDispatcher(b, []Interceptor{
		&recordingInterceptor{name: "a", trace: trace, mu: mu},
		&recordingInterceptor{name: "b", trace: trace, mu: mu, err: denied},
	})

	out, err := d.Dispatch(context.Background(), New("node.request", "root", nil))
	require.ErrorIs(t, err, denied)
	assert.Nil(t, out)
	assert.Equal(t, []string{"a.before", "b.before", "a.after"}, *trace)
}

func TestDispatchRewrittenEventIsPublished(t *testing.T) {
	b := NewEventBus()
	trace, mu := newTrace()

	var got *Event
	mustSubscribe(t, b, "node.request", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		got = ev
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(b, []Interceptor{
		&recordingInterceptor{name: "a", trace: trace, mu: mu, rewrite: func(ev *Event) *Event {
			next := ev.Clone()
			next.Extensions["annotated"] = true
			return next
		}},
	})

	out, err := d.Dispatch(context.Background(), New("node.request", "root", nil))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, true, got.Extensions["annotated"])
	assert.Equal(t, out, got)
}

func TestDispatchTimeoutFromExtension(t *testing.T) {
	b := NewEventBus()

	release := make(chan struct{})
	mustSubscribe(t, b, "node.request", func(ctx context.Context, ev *Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer close(release)

	d := NewDispatcher(b, nil)

	ev := New("node.request", "root", nil)
	ev.Extensions[ExtTimeout] = "20ms"

	start := time.Now()
	out, err := d.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, fault.IsKind(err, fault.KindTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatchDefaultTimeout(t *testing.T) {
	b := NewEventBus()

	release := make(chan struct{})
	mustSubscribe(t, b, "node.request", func(ctx context.Context, ev *Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer close(release)

	d := NewDispatcher(b, nil, WithDefaultTimeout(20*time.Millisecond))

	_, err := d.Dispatch(context.Background(), New("node.request", "root", nil))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTimeout))
}

func TestDispatchChainNames(t *testing.T) {
	trace, mu := newTrace()
	d := NewDispatcher(NewEventBus(), []Interceptor{
		&recordingInterceptor{name: "tracing", trace: trace, mu: mu},
		&recordingInterceptor{name: "auth", trace: trace, mu: mu},
	})
	assert.Equal(t, []string{"tracing", "auth"}, d.Chain())
}
