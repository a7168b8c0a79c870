package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// InMemory is the embedded reference store: exact cosine search over a
// mutex-guarded map. It is the default backend and the one used in tests;
// external backends are drop-in replacements behind the same Store
// interface.
type InMemory struct {
	mu        sync.RWMutex
	docs      map[string]Document
	dimension int
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{docs: make(map[string]Document)}
}

// Name returns the store name.
func (s *InMemory) Name() string { return "inmemory" }

// Add upserts one document. The first document fixes the store dimension;
// later mismatches are rejected.
func (s *InMemory) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	if len(doc.Vector) == 0 {
		return fmt.Errorf("document vector cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension == 0 {
		s.dimension = len(doc.Vector)
	} else if len(doc.Vector) != s.dimension {
		return fmt.Errorf("vector dimension %d does not match store dimension %d", len(doc.Vector), s.dimension)
	}

	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	s.docs[doc.ID] = doc
	return nil
}

// AddBatch upserts documents one by one, stopping at the first failure.
func (s *InMemory) AddBatch(ctx context.Context, docs []Document) error {
	for i, doc := range docs {
		if err := s.Add(ctx, doc); err != nil {
			return fmt.Errorf("document %d (%s): %w", i, doc.ID, err)
		}
	}
	return nil
}

// Search returns up to topK documents matching filter, ordered by cosine
// similarity to query, highest first. Ties break by id so results are
// deterministic.
func (s *InMemory) Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	conds, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Result, 0, len(s.docs))
	for _, doc := range s.docs {
		if len(conds) > 0 && !matchesAll(doc.Metadata, conds) {
			continue
		}
		results = append(results, Result{Document: doc, Score: CosineSimilarity(query, doc.Vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes a document, reporting whether it existed.
func (s *InMemory) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.docs[id]
	delete(s.docs, id)
	return existed, nil
}

// DeleteByMetadata removes every document matching filter and returns the
// count removed.
func (s *InMemory) DeleteByMetadata(ctx context.Context, filter Filter) (int, error) {
	conds, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, doc := range s.docs {
		if matchesAll(doc.Metadata, conds) {
			delete(s.docs, id)
			removed++
		}
	}
	return removed, nil
}

// Count reports the number of stored documents.
func (s *InMemory) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// Clear removes all documents. The dimension resets with them.
func (s *InMemory) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]Document)
	s.dimension = 0
	return nil
}

// Close releases nothing; the store is purely in-process.
func (s *InMemory) Close() error { return nil }

// Get returns a stored document by id.
func (s *InMemory) Get(ctx context.Context, id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero-norm vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Store = (*InMemory)(nil)
