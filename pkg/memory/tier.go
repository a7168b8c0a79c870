package memory

import (
	"log/slog"
	"sort"
	"time"
)

// ============================================================================
// FIFO TIER (L1 window, L3 summary buffer)
// ============================================================================

// fifoTier is a token-budgeted queue that evicts from the front. It backs the
// L1 window and the L3 summary buffer. Not safe for concurrent use; the
// Manager serializes access.
type fifoTier[T any] struct {
	label     string
	budget    int
	items     []T
	tokens    int
	tokensOf  func(T) int
	onEvicted []func(T)
}

func newFIFOTier[T any](label string, budget int, tokensOf func(T) int) *fifoTier[T] {
	return &fifoTier[T]{label: label, budget: budget, tokensOf: tokensOf}
}

func (t *fifoTier[T]) OnEviction(fn func(T)) {
	t.onEvicted = append(t.onEvicted, fn)
}

// Add appends item and pops from the front until the budget holds again. A
// single item larger than the whole budget empties the tier, is stored
// anyway, and a warning is logged.
func (t *fifoTier[T]) Add(item T, tokens int) []T {
	var evicted []T
	for t.tokens+tokens > t.budget && len(t.items) > 0 {
		head := t.items[0]
		t.items = t.items[1:]
		t.tokens -= t.tokensOf(head)
		evicted = append(evicted, head)
	}
	if tokens > t.budget {
		slog.Warn("item exceeds entire tier budget, storing anyway",
			"tier", t.label, "tokens", tokens, "budget", t.budget)
	}

	t.items = append(t.items, item)
	t.tokens += tokens

	for _, e := range evicted {
		t.fire(e)
	}
	return evicted
}

func (t *fifoTier[T]) fire(item T) {
	for _, fn := range t.onEvicted {
		fn(item)
	}
}

func (t *fifoTier[T]) Items() []T {
	out := make([]T, len(t.items))
	copy(out, t.items)
	return out
}

func (t *fifoTier[T]) Size() (int, int) {
	return len(t.items), t.tokens
}

func (t *fifoTier[T]) Clear() {
	t.items = nil
	t.tokens = 0
}

// removeAt drops the item at index i without firing eviction callbacks.
// Used by the promotion cycle, which moves items itself.
func (t *fifoTier[T]) removeAt(i int) T {
	item := t.items[i]
	t.items = append(t.items[:i], t.items[i+1:]...)
	t.tokens -= t.tokensOf(item)
	return item
}

// ============================================================================
// WORKING SET (L2)
// ============================================================================

// workingSet is the importance-ranked L2 tier. Eviction removes the
// lowest-importance entry (ties break older-first) to make room for a
// higher-importance arrival; an arrival that cannot displace the minimum is
// rejected but still handed to the eviction callbacks, so the summarizer
// sees it.
type workingSet struct {
	budget    int
	entries   []WorkingMemoryEntry
	tokens    int
	onEvicted []func(WorkingMemoryEntry)
}

func newWorkingSet(budget int) *workingSet {
	return &workingSet{budget: budget}
}

func (w *workingSet) OnEviction(fn func(WorkingMemoryEntry)) {
	w.onEvicted = append(w.onEvicted, fn)
}

// Add inserts e, evicting lower-importance entries as needed. The returned
// slice holds everything that left the tier, which includes e itself when it
// was rejected.
func (w *workingSet) Add(e WorkingMemoryEntry, tokens int) []WorkingMemoryEntry {
	e.TokenCount = tokens
	var out []WorkingMemoryEntry

	for w.tokens+tokens > w.budget && len(w.entries) > 0 {
		mi := w.minIndex()
		min := w.entries[mi]
		if e.Importance <= min.Importance {
			// Not important enough to displace anything else; offer it
			// to the summarizer instead of storing it.
			w.fire(e)
			return append(out, e)
		}
		w.entries = append(w.entries[:mi], w.entries[mi+1:]...)
		w.tokens -= min.TokenCount
		out = append(out, min)
		w.fire(min)
	}
	if tokens > w.budget {
		slog.Warn("entry exceeds entire tier budget, storing anyway",
			"tier", "L2", "tokens", tokens, "budget", w.budget)
	}

	w.entries = append(w.entries, e)
	w.tokens += tokens
	return out
}

// minIndex returns the index of the lowest-importance entry; ties break by
// older CreatedAt so the oldest is evicted first.
func (w *workingSet) minIndex() int {
	mi := 0
	for i := 1; i < len(w.entries); i++ {
		c, m := w.entries[i], w.entries[mi]
		if c.Importance < m.Importance ||
			(c.Importance == m.Importance && c.CreatedAt.Before(m.CreatedAt)) {
			mi = i
		}
	}
	return mi
}

func (w *workingSet) fire(e WorkingMemoryEntry) {
	for _, fn := range w.onEvicted {
		fn(e)
	}
}

// Items returns the entries sorted by importance descending, newest first
// within equal importance.
func (w *workingSet) Items() []WorkingMemoryEntry {
	out := make([]WorkingMemoryEntry, len(w.entries))
	copy(out, w.entries)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (w *workingSet) Size() (int, int) {
	return len(w.entries), w.tokens
}

func (w *workingSet) Clear() {
	w.entries = nil
	w.tokens = 0
}

// takeLowest removes and returns the lowest-importance entries until the
// tier's token usage drops to target. Callbacks do not fire; the promotion
// cycle summarizes the removed entries itself.
func (w *workingSet) takeLowest(target int) []WorkingMemoryEntry {
	var taken []WorkingMemoryEntry
	for w.tokens > target && len(w.entries) > 0 {
		mi := w.minIndex()
		min := w.entries[mi]
		w.entries = append(w.entries[:mi], w.entries[mi+1:]...)
		w.tokens -= min.TokenCount
		taken = append(taken, min)
	}
	return taken
}

// oldest returns up to n items ordered oldest-first without removing them.
func oldest[T any](items []T, createdAt func(T) time.Time, n int) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return createdAt(out[i]).Before(createdAt(out[j]))
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}
