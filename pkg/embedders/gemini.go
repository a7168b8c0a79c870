package embedders

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini implements Embedder using the official google.golang.org/genai SDK.
type Gemini struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewGemini creates a Gemini-backed embedder.
func NewGemini(cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for gemini embedder")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 768
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client:    client,
		model:     model,
		dimension: dimension,
	}, nil
}

// Embed converts one text to a vector.
func (e *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts texts in one request.
func (e *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: text}},
		})
	}

	dim := int32(e.dimension)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini returned empty embedding for input %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

// Dimension returns the vector dimension.
func (e *Gemini) Dimension() int { return e.dimension }

// Model returns the model name.
func (e *Gemini) Model() string { return e.model }

// Close releases nothing; the SDK client needs no teardown.
func (e *Gemini) Close() error { return nil }

var _ Embedder = (*Gemini)(nil)
