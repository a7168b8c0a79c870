package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fractalhq/fractal/pkg/embedders"
	"github.com/fractalhq/fractal/pkg/vector"
)

// vectorTier is the L4 semantic store: task summaries embedded and persisted
// in a vector backend, pruned by count budget and TTL.
//
// The backend contract has no listing operation, so the tier keeps its own
// id ledger ordered by insertion time. L4 lives for the session only, so the
// ledger never outgrows the budget by more than one insert.
type vectorTier struct {
	store    vector.Store
	embedder embedders.Embedder
	budget   int           // max vector count, 0 = unlimited
	ttl      time.Duration // 0 = no expiry

	mu     sync.Mutex
	ledger []vectorRef
}

type vectorRef struct {
	id        string
	createdAt time.Time
}

func newVectorTier(store vector.Store, embedder embedders.Embedder, budget int, ttl time.Duration) *vectorTier {
	return &vectorTier{store: store, embedder: embedder, budget: budget, ttl: ttl}
}

// available reports whether the tier can embed and store.
func (v *vectorTier) available() bool {
	return v != nil && v.store != nil && v.embedder != nil
}

// add embeds the summary and upserts it, then prunes. A wrong-dimension
// vector fails the insert and changes nothing else.
func (v *vectorTier) add(ctx context.Context, s TaskSummary) error {
	text := s.Action + ": " + s.ParamSummary + " -> " + s.ResultSummary
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding summary %s: %w", s.ID, err)
	}
	if dim := v.embedder.Dimension(); dim > 0 && len(vec) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), dim)
	}

	doc := vector.Document{
		ID:      s.ID,
		Vector:  vec,
		Content: text,
		Metadata: map[string]any{
			"task_id":    s.TaskID,
			"session_id": s.SessionID,
			"action":     s.Action,
			"importance": s.Importance,
			"tags":       s.Tags,
		},
		CreatedAt: s.CreatedAt,
	}
	if err := v.store.Add(ctx, doc); err != nil {
		return fmt.Errorf("storing vector %s: %w", s.ID, err)
	}

	v.mu.Lock()
	v.ledger = append(v.ledger, vectorRef{id: s.ID, createdAt: s.CreatedAt})
	v.mu.Unlock()

	v.prune(ctx)
	return nil
}

// prune removes the oldest vectors beyond the count budget and anything past
// its TTL. Deletes are best-effort and idempotent.
func (v *vectorTier) prune(ctx context.Context) {
	v.mu.Lock()
	sort.SliceStable(v.ledger, func(i, j int) bool {
		return v.ledger[i].createdAt.Before(v.ledger[j].createdAt)
	})

	var doomed []string
	keep := v.ledger
	if v.budget > 0 && len(keep) > v.budget {
		over := len(keep) - v.budget
		for _, ref := range keep[:over] {
			doomed = append(doomed, ref.id)
		}
		keep = keep[over:]
	}
	if v.ttl > 0 {
		cutoff := time.Now().Add(-v.ttl)
		fresh := keep[:0]
		for _, ref := range keep {
			if ref.createdAt.Before(cutoff) {
				doomed = append(doomed, ref.id)
			} else {
				fresh = append(fresh, ref)
			}
		}
		keep = fresh
	}
	v.ledger = append([]vectorRef(nil), keep...)
	v.mu.Unlock()

	for _, id := range doomed {
		if _, err := v.store.Delete(ctx, id); err != nil {
			// Best-effort: the next prune retries anything still present.
			continue
		}
	}
}

// search embeds the query and returns the top-k hits, highest score first.
func (v *vectorTier) search(ctx context.Context, query string, k int, filter vector.Filter) ([]vector.Result, error) {
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return v.store.Search(ctx, vec, k, filter)
}

func (v *vectorTier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.ledger)
}

func (v *vectorTier) clear(ctx context.Context) {
	v.mu.Lock()
	v.ledger = nil
	v.mu.Unlock()
	_ = v.store.Clear(ctx)
}
