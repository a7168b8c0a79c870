package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	// Collection the store is bound to. Default: "fractal".
	Collection string `yaml:"collection,omitempty"`

	// PersistPath enables file persistence (gob, optionally gzipped).
	// Empty keeps vectors in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for persistence.
	Compress bool `yaml:"compress,omitempty"`
}

// Chromem implements Store over chromem-go: embedded, pure Go, optional
// file persistence. Best for single-process deployments that outlive the
// in-memory store but do not warrant an external database.
//
// chromem-go evaluates metadata filters as string equality only, so
// operator suffixes other than eq are rejected.
type Chromem struct {
	db          *chromem.DB
	col         *chromem.Collection
	config      ChromemConfig
	persistPath string
	mu          sync.Mutex
}

// NewChromem creates a chromem-backed store bound to one collection.
func NewChromem(cfg ChromemConfig) (*Chromem, error) {
	if cfg.Collection == "" {
		cfg.Collection = "fractal"
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/vectors.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}
		if _, statErr := os.Stat(dbPath); statErr == nil {
			db, err = chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, identityEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", cfg.Collection, err)
	}

	return &Chromem{
		db:          db,
		col:         col,
		config:      cfg,
		persistPath: cfg.PersistPath,
	}, nil
}

// identityEmbedding rejects embedding requests; vectors arrive pre-computed.
func identityEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding requested but vectors are pre-computed")
}

// Name returns the store name.
func (s *Chromem) Name() string { return "chromem" }

// Add upserts one document.
func (s *Chromem) Add(ctx context.Context, doc Document) error {
	return s.AddBatch(ctx, []Document{doc})
}

// AddBatch upserts documents in one call.
func (s *Chromem) AddBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	out := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document id cannot be empty")
		}
		out = append(out, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  stringifyMetadata(doc.Metadata),
			Embedding: doc.Vector,
		})
	}

	if err := s.col.AddDocuments(ctx, out, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	s.persist()
	return nil
}

// Search returns up to topK matches ordered by similarity descending.
func (s *Chromem) Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Result, error) {
	where, err := s.whereClause(filter)
	if err != nil {
		return nil, err
	}

	count := s.col.Count()
	if count == 0 || topK <= 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	hits, err := s.col.QueryEmbedding(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		metadata := make(map[string]any, len(hit.Metadata))
		for k, v := range hit.Metadata {
			metadata[k] = v
		}
		results = append(results, Result{
			Document: Document{
				ID:       hit.ID,
				Vector:   hit.Embedding,
				Content:  hit.Content,
				Metadata: metadata,
			},
			Score: hit.Similarity,
		})
	}
	return results, nil
}

// Delete removes a document, reporting whether it existed.
func (s *Chromem) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	s.persist()
	return true, nil
}

// DeleteByMetadata removes matching documents and returns the count removed.
func (s *Chromem) DeleteByMetadata(ctx context.Context, filter Filter) (int, error) {
	where, err := s.whereClause(filter)
	if err != nil {
		return 0, err
	}
	if where == nil {
		return 0, nil
	}

	before := s.col.Count()
	if err := s.col.Delete(ctx, where, nil); err != nil {
		return 0, fmt.Errorf("failed to delete by filter: %w", err)
	}
	s.persist()
	return before - s.col.Count(), nil
}

// Count reports the number of stored documents.
func (s *Chromem) Count(ctx context.Context) (int, error) {
	return s.col.Count(), nil
}

// Clear drops and recreates the collection.
func (s *Chromem) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.config.Collection); err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	col, err := s.db.GetOrCreateCollection(s.config.Collection, nil, identityEmbedding)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	s.col = col
	s.persist()
	return nil
}

// Close persists the database if persistence is enabled.
func (s *Chromem) Close() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := s.persistPath + "/vectors.gob"
	if s.config.Compress {
		dbPath += ".gz"
	}
	//nolint:staticcheck // Export is deprecated but its replacement needs a writer per collection.
	if err := s.db.Export(dbPath, s.config.Compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

func (s *Chromem) persist() {
	if s.persistPath == "" {
		return
	}
	if err := s.Close(); err != nil {
		slog.Warn("failed to persist vector database", "error", err)
	}
}

// whereClause translates eq conditions to chromem's string-equality map.
func (s *Chromem) whereClause(filter Filter) (map[string]string, error) {
	conds, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	if len(conds) == 0 {
		return nil, nil
	}

	where := make(map[string]string, len(conds))
	for _, c := range conds {
		if c.op != OpEq {
			return nil, fmt.Errorf("operator %q not supported by chromem backend", c.op)
		}
		where[c.field] = fmt.Sprint(c.value)
	}
	return where, nil
}

// stringifyMetadata converts values to strings, chromem's metadata type.
func stringifyMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprint(v)
	}
	return out
}

var _ Store = (*Chromem)(nil)
