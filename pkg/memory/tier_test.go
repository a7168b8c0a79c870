package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string, tokens int, importance float64) MessageItem {
	return MessageItem{
		ID:         id,
		Role:       RoleUser,
		Content:    id,
		TokenCount: tokens,
		Importance: importance,
		CreatedAt:  time.Now(),
	}
}

func entry(id string, tokens int, importance float64, at time.Time) WorkingMemoryEntry {
	return WorkingMemoryEntry{
		ID:         id,
		Content:    id,
		Importance: importance,
		TokenCount: tokens,
		EntryType:  EntryFact,
		CreatedAt:  at,
	}
}

func TestFIFOEvictsFromFront(t *testing.T) {
	tier := newFIFOTier("L1", 30, func(m MessageItem) int { return m.TokenCount })

	var evicted []string
	tier.OnEviction(func(m MessageItem) { evicted = append(evicted, m.ID) })

	tier.Add(msg("a", 10, 0), 10)
	tier.Add(msg("b", 10, 0), 10)
	tier.Add(msg("c", 10, 0), 10)

	count, tokens := tier.Size()
	assert.Equal(t, 3, count)
	assert.Equal(t, 30, tokens)

	out := tier.Add(msg("d", 10, 0), 10)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, []string{"a"}, evicted)

	ids := make([]string, 0, 3)
	for _, m := range tier.Items() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
}

func TestFIFOOversizedItemEmptiesTier(t *testing.T) {
	tier := newFIFOTier("L1", 20, func(m MessageItem) int { return m.TokenCount })
	tier.Add(msg("a", 10, 0), 10)
	tier.Add(msg("b", 10, 0), 10)

	evicted := tier.Add(msg("huge", 50, 0), 50)
	assert.Len(t, evicted, 2)

	count, tokens := tier.Size()
	assert.Equal(t, 1, count, "oversized item is stored anyway")
	assert.Equal(t, 50, tokens)
}

func TestFIFOClearDropsEverything(t *testing.T) {
	tier := newFIFOTier("L3", 100, func(s TaskSummary) int { return s.TokenCount })
	fired := 0
	tier.OnEviction(func(TaskSummary) { fired++ })

	tier.Add(TaskSummary{ID: "s1", TokenCount: 10}, 10)
	tier.Clear()

	count, tokens := tier.Size()
	assert.Zero(t, count)
	assert.Zero(t, tokens)
	assert.Zero(t, fired, "clear must not fire eviction callbacks")
}

func TestWorkingSetDisplacesLowestImportance(t *testing.T) {
	ws := newWorkingSet(30)
	now := time.Now()

	var evicted []string
	ws.OnEviction(func(e WorkingMemoryEntry) { evicted = append(evicted, e.ID) })

	ws.Add(entry("low", 10, 0.2, now), 10)
	ws.Add(entry("mid", 10, 0.5, now), 10)
	ws.Add(entry("high", 10, 0.8, now), 10)

	// A higher-importance arrival displaces the current minimum.
	out := ws.Add(entry("higher", 10, 0.9, now), 10)
	require.Len(t, out, 1)
	assert.Equal(t, "low", out[0].ID)
	assert.Equal(t, []string{"low"}, evicted)

	items := ws.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "higher", items[0].ID, "items are importance-descending")
}

func TestWorkingSetRejectsButStillOffers(t *testing.T) {
	ws := newWorkingSet(20)
	now := time.Now()

	var offered []string
	ws.OnEviction(func(e WorkingMemoryEntry) { offered = append(offered, e.ID) })

	ws.Add(entry("a", 10, 0.7, now), 10)
	ws.Add(entry("b", 10, 0.8, now), 10)

	// Arrival below the minimum is rejected yet handed to the callbacks.
	out := ws.Add(entry("weak", 10, 0.3, now), 10)
	require.Len(t, out, 1)
	assert.Equal(t, "weak", out[0].ID)
	assert.Equal(t, []string{"weak"}, offered)

	count, tokens := ws.Size()
	assert.Equal(t, 2, count)
	assert.Equal(t, 20, tokens)
}

func TestWorkingSetTieBreaksOlderFirst(t *testing.T) {
	ws := newWorkingSet(20)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	ws.Add(entry("older", 10, 0.5, older), 10)
	ws.Add(entry("newer", 10, 0.5, newer), 10)

	out := ws.Add(entry("winner", 10, 0.6, time.Now()), 10)
	require.Len(t, out, 1)
	assert.Equal(t, "older", out[0].ID, "equal importance evicts the older entry")
}

func TestWorkingSetBudgetInvariantHolds(t *testing.T) {
	ws := newWorkingSet(50)
	for i := 0; i < 100; i++ {
		ws.Add(entry(time.Now().String(), 10, float64(i%10)/10.0, time.Now()), 10)
		_, tokens := ws.Size()
		assert.LessOrEqual(t, tokens, 50)
	}
}
