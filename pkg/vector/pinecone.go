package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone vector store.
type PineconeConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `yaml:"api_key"`

	// Host overrides the Pinecone API host (optional).
	Host string `yaml:"host,omitempty"`

	// IndexName is the index to use. Default: "fractal".
	IndexName string `yaml:"index_name,omitempty"`

	// Namespace isolates this store's vectors within the index.
	Namespace string `yaml:"namespace,omitempty"`
}

// Pinecone implements Store over the managed Pinecone service, bound to one
// index and namespace. Pinecone's filter language covers eq, in, and the
// numeric range operators; contains is rejected.
type Pinecone struct {
	client    *pinecone.Client
	index     *pinecone.IndexConnection
	dimension int
	namespace string
}

// NewPinecone creates a Pinecone-backed store. The index must already exist;
// managed index provisioning is an operator concern.
func NewPinecone(ctx context.Context, cfg PineconeConfig) (*Pinecone, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for Pinecone")
	}
	if cfg.IndexName == "" {
		cfg.IndexName = "fractal"
	}

	clientParams := pinecone.NewClientParams{ApiKey: cfg.APIKey}
	if cfg.Host != "" {
		clientParams.Host = cfg.Host
	}
	client, err := pinecone.NewClient(clientParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	index, err := client.DescribeIndex(ctx, cfg.IndexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", cfg.IndexName, err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{
		Host:      index.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %s: %w", cfg.IndexName, err)
	}

	return &Pinecone{
		client:    client,
		index:     conn,
		dimension: int(index.Dimension),
		namespace: cfg.Namespace,
	}, nil
}

// Name returns the store name.
func (s *Pinecone) Name() string { return "pinecone" }

// Add upserts one document.
func (s *Pinecone) Add(ctx context.Context, doc Document) error {
	return s.AddBatch(ctx, []Document{doc})
}

// AddBatch upserts documents in one call.
func (s *Pinecone) AddBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	vectors := make([]*pinecone.Vector, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document id cannot be empty")
		}

		var metadata *pinecone.Metadata
		if len(doc.Metadata) > 0 || doc.Content != "" {
			fields := make(map[string]any, len(doc.Metadata)+1)
			for k, v := range doc.Metadata {
				fields[k] = normalizeStructValue(v)
			}
			if doc.Content != "" {
				fields["content"] = doc.Content
			}
			var err error
			metadata, err = structpb.NewStruct(fields)
			if err != nil {
				return fmt.Errorf("failed to convert metadata for %s: %w", doc.ID, err)
			}
		}

		vectors = append(vectors, &pinecone.Vector{
			Id:       doc.ID,
			Values:   doc.Vector,
			Metadata: metadata,
		})
	}

	if _, err := s.index.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

// Search returns up to topK matches ordered by similarity descending.
func (s *Pinecone) Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	metadataFilter, err := s.buildFilter(filter)
	if err != nil {
		return nil, err
	}

	resp, err := s.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          query,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		metadata := map[string]any{}
		content := ""
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
			if c, ok := metadata["content"].(string); ok {
				content = c
				delete(metadata, "content")
			}
		}
		results = append(results, Result{
			Document: Document{
				ID:       match.Vector.Id,
				Vector:   match.Vector.Values,
				Content:  content,
				Metadata: metadata,
			},
			Score: match.Score,
		})
	}
	return results, nil
}

// Delete removes a document, reporting whether it existed.
func (s *Pinecone) Delete(ctx context.Context, id string) (bool, error) {
	fetched, err := s.index.FetchVectors(ctx, []string{id})
	if err != nil {
		return false, fmt.Errorf("failed to fetch vector %s: %w", id, err)
	}
	if _, ok := fetched.Vectors[id]; !ok {
		return false, nil
	}

	if err := s.index.DeleteVectorsById(ctx, []string{id}); err != nil {
		return false, fmt.Errorf("failed to delete vector %s: %w", id, err)
	}
	return true, nil
}

// DeleteByMetadata removes matching documents and returns the count removed.
// Pinecone's filtered delete reports no count, so matching ids are collected
// with a filtered query first.
func (s *Pinecone) DeleteByMetadata(ctx context.Context, filter Filter) (int, error) {
	metadataFilter, err := s.buildFilter(filter)
	if err != nil {
		return 0, err
	}

	resp, err := s.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:         make([]float32, s.dimension),
		TopK:           10000,
		MetadataFilter: metadataFilter,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find matching vectors: %w", err)
	}
	if len(resp.Matches) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector != nil {
			ids = append(ids, match.Vector.Id)
		}
	}
	if err := s.index.DeleteVectorsById(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete matching vectors: %w", err)
	}
	return len(ids), nil
}

// Count reports the number of vectors in this store's namespace.
func (s *Pinecone) Count(ctx context.Context) (int, error) {
	stats, err := s.index.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to describe index stats: %w", err)
	}
	if s.namespace != "" {
		if summary, ok := stats.Namespaces[s.namespace]; ok {
			return int(summary.VectorCount), nil
		}
		return 0, nil
	}
	return int(stats.TotalVectorCount), nil
}

// Clear removes every vector in this store's namespace.
func (s *Pinecone) Clear(ctx context.Context) error {
	if err := s.index.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	return nil
}

// Close closes the index connection.
func (s *Pinecone) Close() error {
	return s.index.Close()
}

// buildFilter translates filter conditions to Pinecone's filter language
// ($eq, $in, $lt, $lte, $gt, $gte).
func (s *Pinecone) buildFilter(filter Filter) (*pinecone.MetadataFilter, error) {
	conds, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	if len(conds) == 0 {
		return nil, nil
	}

	fields := make(map[string]any, len(conds))
	for _, c := range conds {
		switch c.op {
		case OpEq:
			fields[c.field] = map[string]any{"$eq": normalizeStructValue(c.value)}
		case OpIn:
			fields[c.field] = map[string]any{"$in": normalizeStructValue(c.value)}
		case OpLt, OpLte, OpGt, OpGte:
			bound, ok := toFloat(c.value)
			if !ok {
				return nil, fmt.Errorf("field %s: %s operator requires a number", c.field, c.op)
			}
			fields[c.field] = map[string]any{"$" + c.op: bound}
		case OpContains:
			return nil, fmt.Errorf("operator %q not supported by pinecone backend", c.op)
		}
	}

	metadataFilter, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter: %w", err)
	}
	return metadataFilter, nil
}

// normalizeStructValue rewrites values into shapes structpb accepts.
func normalizeStructValue(v any) any {
	switch val := v.(type) {
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = float64(n)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Store = (*Pinecone)(nil)
