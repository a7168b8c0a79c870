package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant vector store.
type QdrantConfig struct {
	// Collection the store is bound to. Default: "fractal".
	Collection string `yaml:"collection,omitempty"`

	// Host is the Qdrant server hostname. Default: "localhost".
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port. Default: 6334.
	Port int `yaml:"port,omitempty"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// Qdrant implements Store over the Qdrant gRPC client. The collection is
// created lazily on first Add, sized to the first vector seen, with cosine
// distance.
type Qdrant struct {
	client     *qdrant.Client
	collection string

	mu      sync.Mutex
	created bool
}

// NewQdrant creates a Qdrant-backed store bound to one collection.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	if cfg.Collection == "" {
		cfg.Collection = "fractal"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &Qdrant{client: client, collection: cfg.Collection}, nil
}

// Name returns the store name.
func (s *Qdrant) Name() string { return "qdrant" }

func (s *Qdrant) ensureCollection(ctx context.Context, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}
	s.created = true
	return nil
}

// Add upserts one document.
func (s *Qdrant) Add(ctx context.Context, doc Document) error {
	return s.AddBatch(ctx, []Document{doc})
}

// AddBatch upserts documents in one call.
func (s *Qdrant) AddBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, len(docs[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document id cannot be empty")
		}

		payload := make(map[string]*qdrant.Value, len(doc.Metadata)+1)
		for key, value := range doc.Metadata {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
			}
			payload[key] = val
		}
		if doc.Content != "" {
			contentVal, err := qdrant.NewValue(doc.Content)
			if err != nil {
				return fmt.Errorf("failed to convert content: %w", err)
			}
			payload["content"] = contentVal
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Vector...),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search returns up to topK matches ordered by similarity descending.
func (s *Qdrant) Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         query,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}

	if len(filter) > 0 {
		qf, err := s.buildFilter(filter)
		if err != nil {
			return nil, err
		}
		searchRequest.Filter = qf
	}

	searchResult, err := s.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertScoredPoints(searchResult.Result), nil
}

// Delete removes a document, reporting whether it existed.
func (s *Qdrant) Delete(ctx context.Context, id string) (bool, error) {
	pointID := &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}

	got, err := s.client.GetPointsClient().Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID},
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up point %s: %w", id, err)
	}
	if len(got.Result) == 0 {
		return false, nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID}},
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return true, nil
}

// DeleteByMetadata removes matching documents and returns the count removed.
func (s *Qdrant) DeleteByMetadata(ctx context.Context, filter Filter) (int, error) {
	qf, err := s.buildFilter(filter)
	if err != nil {
		return 0, err
	}

	exact := true
	counted, err := s.client.GetPointsClient().Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         qf,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count matching points: %w", err)
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qf},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete by filter: %w", err)
	}
	return int(counted.GetResult().GetCount()), nil
}

// Count reports the number of stored documents.
func (s *Qdrant) Count(ctx context.Context) (int, error) {
	exact := true
	counted, err := s.client.GetPointsClient().Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(counted.GetResult().GetCount()), nil
}

// Clear removes every point in the collection.
func (s *Qdrant) Clear(ctx context.Context) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			// An empty filter matches all points.
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: &qdrant.Filter{}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	return nil
}

// Close closes the gRPC client.
func (s *Qdrant) Close() error {
	return s.client.Close()
}

// buildFilter translates filter conditions to Qdrant must-clauses. eq maps
// to a keyword/integer/boolean match, in to a keyword set, the range
// operators to numeric ranges, and contains to a full-text match.
func (s *Qdrant) buildFilter(filter Filter) (*qdrant.Filter, error) {
	conds, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	must := make([]*qdrant.Condition, 0, len(conds))
	for _, c := range conds {
		field := &qdrant.FieldCondition{Key: c.field}

		switch c.op {
		case OpEq:
			match, err := matchValue(c.value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", c.field, err)
			}
			field.Match = match

		case OpIn:
			keywords, ok := toStringSlice(c.value)
			if !ok {
				return nil, fmt.Errorf("field %s: in operator requires a list of strings", c.field)
			}
			field.Match = &qdrant.Match{
				MatchValue: &qdrant.Match_Keywords{
					Keywords: &qdrant.RepeatedStrings{Strings: keywords},
				},
			}

		case OpLt, OpLte, OpGt, OpGte:
			bound, ok := toFloat(c.value)
			if !ok {
				return nil, fmt.Errorf("field %s: %s operator requires a number", c.field, c.op)
			}
			r := &qdrant.Range{}
			switch c.op {
			case OpLt:
				r.Lt = &bound
			case OpLte:
				r.Lte = &bound
			case OpGt:
				r.Gt = &bound
			default:
				r.Gte = &bound
			}
			field.Range = r

		case OpContains:
			field.Match = &qdrant.Match{
				MatchValue: &qdrant.Match_Text{Text: fmt.Sprint(c.value)},
			}
		}

		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{Field: field},
		})
	}

	return &qdrant.Filter{Must: must}, nil
}

func matchValue(value any) (*qdrant.Match, error) {
	switch v := value.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}, nil
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}, nil
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}, nil
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}, nil
	default:
		return nil, fmt.Errorf("unsupported match value type %T", value)
	}
}

func toStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func convertScoredPoints(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		var vec []float32
		if point.Vectors != nil {
			if vectorData := point.Vectors.GetVector(); vectorData != nil {
				if dense, ok := vectorData.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
					vec = dense.Dense.Data
				}
			}
		}

		metadata := make(map[string]any, len(point.Payload))
		content := ""
		for key, value := range point.Payload {
			converted := convertQdrantValue(value)
			if key == "content" {
				if str, ok := converted.(string); ok {
					content = str
					continue
				}
			}
			metadata[key] = converted
		}

		results = append(results, Result{
			Document: Document{ID: id, Vector: vec, Content: content, Metadata: metadata},
			Score:    point.Score,
		})
	}
	return results
}

func convertQdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		items := v.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, convertQdrantValue(item))
		}
		return out
	default:
		return fmt.Sprint(value)
	}
}

var _ Store = (*Qdrant)(nil)
