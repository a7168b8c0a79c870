// Package vector defines the vector persistence contract used by long-term
// memory, plus an embedded reference store and adapters for external
// backends (chromem-go, Qdrant, Pinecone).
package vector

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Document is one stored vector with its payload.
type Document struct {
	ID        string         `json:"id"`
	Vector    []float32      `json:"vector"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result is one search hit. Score is cosine similarity in [-1, 1].
type Result struct {
	Document
	Score float32 `json:"score"`
}

// Filter selects documents by metadata. Keys may carry an operator suffix
// separated by a double underscore:
//
//	{"status": "done"}          equality (bare key)
//	{"status__eq": "done"}      equality
//	{"status__in": [...]}       membership in a list
//	{"score__lt": 0.5}          numeric less-than (also lte, gt, gte)
//	{"tags__contains": "x"}     substring for strings, element for lists
type Filter map[string]any

// Store is the vector persistence contract.
//
// Add is an idempotent upsert. Search orders results by cosine similarity,
// highest first. Delete reports whether the id existed. DeleteByMetadata
// returns the number of documents removed.
type Store interface {
	Name() string
	Add(ctx context.Context, doc Document) error
	AddBatch(ctx context.Context, docs []Document) error
	Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Result, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByMetadata(ctx context.Context, filter Filter) (int, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// Operator names recognized in filter key suffixes.
const (
	OpEq       = "eq"
	OpIn       = "in"
	OpLt       = "lt"
	OpLte      = "lte"
	OpGt       = "gt"
	OpGte      = "gte"
	OpContains = "contains"
)

const opSeparator = "__"

// condition is one parsed filter clause.
type condition struct {
	field string
	op    string
	value any
}

// parseFilter splits filter keys into (field, operator) pairs. Unknown
// operators are rejected so typos fail loudly instead of matching nothing.
func parseFilter(filter Filter) ([]condition, error) {
	conds := make([]condition, 0, len(filter))
	for key, value := range filter {
		field, op := key, OpEq
		if idx := strings.LastIndex(key, opSeparator); idx > 0 {
			candidate := key[idx+len(opSeparator):]
			switch candidate {
			case OpEq, OpIn, OpLt, OpLte, OpGt, OpGte, OpContains:
				field, op = key[:idx], candidate
			}
		}
		if field == "" {
			return nil, fmt.Errorf("filter key %q has no field name", key)
		}
		conds = append(conds, condition{field: field, op: op, value: value})
	}
	return conds, nil
}
