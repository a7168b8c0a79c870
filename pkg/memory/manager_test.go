package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/embedders"
	"github.com/fractalhq/fractal/pkg/vector"
)

func newTestManager(t *testing.T, cfg Config, withL4 bool) *Manager {
	t.Helper()
	var store vector.Store
	var emb embedders.Embedder
	if withL4 {
		store = vector.NewInMemory()
		emb = embedders.NewHash(64)
	}
	m, err := NewManager("agent-1", "session-1", cfg, store, emb)
	require.NoError(t, err)
	return m
}

// Twenty 10-token messages through a 100-token L1 with alternating
// importance: the high-importance evictions land in L2, the rest are
// summarized into L3.
func TestEvictionAndPromotionCascade(t *testing.T) {
	cfg := Config{L1Budget: 100, L2Budget: 100, L3Budget: 10000}
	m := newTestManager(t, cfg, false)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		importance := 0.9
		if i%2 == 1 {
			importance = 0.3
		}
		m.AddMessage(ctx, MessageItem{
			ID:         fmt.Sprintf("m%02d", i),
			TaskID:     fmt.Sprintf("task-%02d", i),
			Content:    fmt.Sprintf("message %d", i),
			Role:       RoleUser,
			TokenCount: 10,
			Importance: importance,
		})
	}

	st := m.Stats()
	assert.Equal(t, 10, st.L1Count, "L1 holds the last ten")
	assert.Equal(t, 100, st.L1Tokens)
	assert.Equal(t, 5, st.L2Count, "only high-importance evictions promoted")
	assert.Equal(t, 5, st.L3Count, "low-importance evictions summarized")

	for _, e := range m.Important(0, "") {
		assert.InDelta(t, 0.9, e.Importance, 1e-9)
	}
}

func TestTaskIndexTracksL1AndL2(t *testing.T) {
	cfg := Config{L1Budget: 30, L2Budget: 1000, L3Budget: 1000}
	m := newTestManager(t, cfg, false)
	ctx := context.Background()

	m.AddMessage(ctx, MessageItem{TaskID: "t1", Content: "one", Role: RoleUser, TokenCount: 10, Importance: 0.9})
	assert.True(t, m.HasTask("t1"))

	msgs, _ := m.Lookup("t1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Content)

	// Evict t1 from L1; the importance extractor moves it to L2, so the
	// task stays reachable.
	m.AddMessage(ctx, MessageItem{TaskID: "t2", Content: "two", Role: RoleUser, TokenCount: 10})
	m.AddMessage(ctx, MessageItem{TaskID: "t3", Content: "three", Role: RoleUser, TokenCount: 10})
	m.AddMessage(ctx, MessageItem{TaskID: "t4", Content: "four", Role: RoleUser, TokenCount: 10})

	assert.True(t, m.HasTask("t1"), "promoted task remains indexed")
	_, entries := m.Lookup("t1")
	require.Len(t, entries, 1)
}

func TestIndexDropsTasksThatLeaveWithoutPromotion(t *testing.T) {
	// Low importance and a tiny L2 keep evictions out of the working set.
	cfg := Config{L1Budget: 20, L2Budget: 1000, L3Budget: 1000, PromoteThreshold: 0.99}
	m := newTestManager(t, cfg, false)
	ctx := context.Background()

	m.AddMessage(ctx, MessageItem{TaskID: "gone", Content: "x", Role: RoleUser, TokenCount: 10, Importance: 0.1})
	m.AddMessage(ctx, MessageItem{TaskID: "a", Content: "y", Role: RoleUser, TokenCount: 10})
	m.AddMessage(ctx, MessageItem{TaskID: "b", Content: "z", Role: RoleUser, TokenCount: 10})

	assert.False(t, m.HasTask("gone"), "unpromoted eviction leaves the index")
	// The summary is still there: lossy, but not lost.
	assert.GreaterOrEqual(t, m.Stats().L3Count, 1)
}

func TestBudgetInvariantAfterEveryInsert(t *testing.T) {
	cfg := Config{L1Budget: 55, L2Budget: 35, L3Budget: 60}
	m := newTestManager(t, cfg, false)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		m.AddMessage(ctx, MessageItem{
			TaskID:     fmt.Sprintf("t%d", i),
			Content:    fmt.Sprintf("content %d", i),
			Role:       RoleUser,
			TokenCount: 7 + i%5,
			Importance: float64(i%10) / 10,
		})
		st := m.Stats()
		assert.LessOrEqual(t, st.L1Tokens, cfg.L1Budget)
		assert.LessOrEqual(t, st.L2Tokens, cfg.L2Budget)
		assert.LessOrEqual(t, st.L3Tokens, cfg.L3Budget)
	}
}

func TestClearThenQueriesReturnEmpty(t *testing.T) {
	cfg := Config{L1Budget: 1000, L2Budget: 1000, L3Budget: 1000}
	m := newTestManager(t, cfg, true)
	ctx := context.Background()

	m.AddMessage(ctx, MessageItem{TaskID: "t1", Content: "hello", Role: RoleUser, TokenCount: 10})
	m.AddEntry(ctx, WorkingMemoryEntry{TaskID: "t1", Content: "fact", Importance: 0.9})
	m.AddSummary(ctx, "t1", "search", "params", "result", "completed", 0.5, nil)

	m.Clear(ctx)

	assert.Empty(t, m.Recent(0, ""))
	assert.Empty(t, m.Important(0, ""))
	assert.Empty(t, m.Summaries(0, ""))
	assert.False(t, m.HasTask("t1"))

	hits, err := m.SemanticSearch(ctx, "hello", 5, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddSummaryDefaultsTags(t *testing.T) {
	cfg := Config{L1Budget: 100, L2Budget: 100, L3Budget: 1000}
	m := newTestManager(t, cfg, false)

	s := m.AddSummary(context.Background(), "t1", "search", "query=x", "found", "completed", 0.5, nil)
	assert.Equal(t, []string{"search", "completed"}, s.Tags)
}

func TestSemanticSearchDegradesToScan(t *testing.T) {
	cfg := Config{L1Budget: 1000, L2Budget: 1000, L3Budget: 1000}
	m := newTestManager(t, cfg, false) // no L4

	ctx := context.Background()
	m.AddMessage(ctx, MessageItem{TaskID: "t1", Content: "the capital of France is Paris", Role: RoleAssistant, TokenCount: 10})
	m.AddEntry(ctx, WorkingMemoryEntry{TaskID: "t2", Content: "deployment plan drafted", Importance: 0.8})

	hits, err := m.SemanticSearch(ctx, "paris", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].ParamSummary, "Paris")
}

func TestSemanticSearchUsesVectors(t *testing.T) {
	cfg := Config{L1Budget: 1000, L2Budget: 1000, L3Budget: 1000}
	m := newTestManager(t, cfg, true)
	ctx := context.Background()

	// Push summaries straight through vectorization by exceeding the L3
	// threshold with a tiny budget.
	m.cfg.L3Budget = 10
	m.l3.budget = 10
	for i := 0; i < 4; i++ {
		m.AddSummary(ctx, fmt.Sprintf("t%d", i), "research", "topic", "notes", "completed", 0.5, nil)
	}

	assert.Greater(t, m.Stats().L4Count, 0, "summaries reached L4")

	hits, err := m.SemanticSearch(ctx, "research topic", 3, "")
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestShareContextCopiesRecentMessages(t *testing.T) {
	cfg := Config{L1Budget: 1000, L2Budget: 1000, L3Budget: 1000}

	src, err := NewManager("a1", "s-src", cfg, nil, nil)
	require.NoError(t, err)
	dst, err := NewManager("a2", "s-dst", cfg, nil, nil)
	require.NoError(t, err)

	ctrl := NewController()
	require.NoError(t, ctrl.Register(src))
	require.NoError(t, ctrl.Register(dst))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		src.AddMessage(ctx, MessageItem{TaskID: fmt.Sprintf("t%d", i), Content: fmt.Sprintf("msg %d", i), Role: RoleUser, TokenCount: 10})
	}

	require.NoError(t, ctrl.ShareContext(ctx, "s-src", []string{"s-dst"}, 3))

	got := dst.Recent(0, "")
	require.Len(t, got, 3)
	assert.Equal(t, "msg 2", got[0].Content)

	// Copies are independent: clearing the source leaves the destination.
	src.Clear(ctx)
	assert.Len(t, dst.Recent(0, ""), 3)
}

func TestShareContextUnknownSession(t *testing.T) {
	ctrl := NewController()
	err := ctrl.ShareContext(context.Background(), "nope", nil, 5)
	assert.Error(t, err)
}
