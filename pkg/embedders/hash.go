package embedders

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the Hash embedder's default vector size.
const DefaultHashDimension = 256

// Hash is a deterministic local embedder: tokens are hashed into a fixed
// number of buckets and the resulting histogram is L2-normalized. It needs
// no network or model files, and identical text always produces a
// bit-identical vector.
//
// The vectors carry only lexical similarity, which is enough for offline
// runs and tests; production deployments configure a model-backed provider.
type Hash struct {
	dimension int
}

// NewHash creates a hash embedder. Non-positive dimensions fall back to the
// default.
func NewHash(dimension int) *Hash {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &Hash{dimension: dimension}
}

// Embed converts text to a normalized bucket-count vector.
func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimension)

	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(token))
		bucket := int(hasher.Sum32()) % h.dimension
		if bucket < 0 {
			bucket += h.dimension
		}
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the vector dimension.
func (h *Hash) Dimension() int { return h.dimension }

// Model returns the model name.
func (h *Hash) Model() string { return "fnv-bucket" }

// Close releases nothing.
func (h *Hash) Close() error { return nil }

// tokenize lowercases and splits on non-letter, non-digit runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var _ Embedder = (*Hash)(nil)
