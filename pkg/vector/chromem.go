// Package vector stores document embeddings in an embedded chromem-go
// database persisted under the project state directory.
package vector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

// Document is one chunk to index, with its pre-computed embedding.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// Result is one search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Store is the vector storage surface the indexer and search tool use.
type Store interface {
	UpsertBatch(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	DeleteCollection(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// ChromemStore implements Store on chromem-go with file persistence.
// Single-process and memory-bound, which fits a per-project server.
type ChromemStore struct {
	db *chromem.DB
	mu sync.Mutex

	collections map[string]*chromem.Collection

	// Embeddings are computed externally; chromem must never be asked
	// to embed on its own.
	embeddingFunc chromem.EmbeddingFunc
}

// NewChromemStore opens (or creates) a persistent database at dir.
func NewChromemStore(dir string) (*ChromemStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector store directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	logger.Debug("Opened vector database", "path", dir)

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	return &ChromemStore{
		db:            db,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// UpsertBatch adds or replaces documents with pre-computed embeddings.
func (s *ChromemStore) UpsertBatch(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		metadata := make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = fmt.Sprint(v)
		}
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  metadata,
			Embedding: doc.Embedding,
		}
	}

	if err := col.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	return nil
}

// Search returns the topK most similar documents.
func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects topK larger than the collection size.
	if count := col.Count(); count < topK {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: metadata,
		})
	}
	return out, nil
}

// DeleteByFilter removes all documents whose metadata matches filter.
func (s *ChromemStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	whereFilter := make(map[string]string, len(filter))
	for k, v := range filter {
		whereFilter[k] = fmt.Sprint(v)
	}

	if err := col.Delete(ctx, whereFilter, nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

// DeleteCollection drops a collection and all its documents.
func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(s.collections, collection)
	return nil
}

// Count returns the number of documents in a collection.
func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
