package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures a ChromemStore.
type ChromemConfig struct {
	// PersistPath, if set, gzip-persists the database under this directory
	// across restarts. Empty means memory-only.
	PersistPath string
	// EmbeddingFunc computes a vector for a piece of text. Defaults to
	// chromem-go's OpenAI embedding func reading OPENAI_API_KEY.
	EmbeddingFunc chromem.EmbeddingFunc
}

// ChromemStore implements Store on top of philippgille/chromem-go, an
// embedded, pure-Go vector database requiring no external service.
type ChromemStore struct {
	db          *chromem.DB
	persistPath string
	embed       chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens (or creates) a chromem-go database per cfg.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	embed := cfg.EmbeddingFunc
	if embed == nil {
		embed = chromem.NewEmbeddingFuncOpenAI(os.Getenv("OPENAI_API_KEY"), chromem.EmbeddingModelOpenAI3Small)
	}

	db, err := openChromemDB(cfg.PersistPath)
	if err != nil {
		return nil, err
	}

	return &ChromemStore{
		db:          db,
		persistPath: cfg.PersistPath,
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func openChromemDB(persistPath string) (*chromem.DB, error) {
	if persistPath == "" {
		return chromem.NewDB(), nil
	}

	if err := os.MkdirAll(persistPath, 0755); err != nil {
		return nil, fmt.Errorf("create memory persist directory: %w", err)
	}

	dbPath := filepath.Join(persistPath, "memory.gob.gz")
	if _, err := os.Stat(dbPath); err == nil {
		db := chromem.NewDB()
		if err := db.Import(dbPath, ""); err == nil {
			return db, nil
		}
	}

	return chromem.NewDB(), nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("get/create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Remember upserts content under id in collection.
func (s *ChromemStore) Remember(ctx context.Context, collectionName, id, content string, metadata map[string]string) error {
	col, err := s.collection(collectionName)
	if err != nil {
		return err
	}

	doc := chromem.Document{ID: id, Content: content, Metadata: metadata}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("remember %q: %w", id, err)
	}

	return s.persist()
}

// Recall returns the topK records in collection most similar to query.
func (s *ChromemStore) Recall(ctx context.Context, collectionName, query string, topK int) ([]Record, error) {
	col, err := s.collection(collectionName)
	if err != nil {
		return nil, err
	}

	n := topK
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("recall from %q: %w", collectionName, err)
	}

	out := make([]Record, 0, len(results))
	for _, r := range results {
		out = append(out, Record{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// Forget removes id from collection.
func (s *ChromemStore) Forget(ctx context.Context, collectionName, id string) error {
	col, err := s.collection(collectionName)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("forget %q: %w", id, err)
	}
	return s.persist()
}

// Close persists the database if configured to do so.
func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := filepath.Join(s.persistPath, "memory.gob.gz")
	if err := s.db.Export(dbPath, true, ""); err != nil {
		return fmt.Errorf("persist memory database: %w", err)
	}
	return nil
}
