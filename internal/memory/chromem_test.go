package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/philippgille/chromem-go"
)

// fakeEmbed returns a crude bag-of-words vector over a fixed vocabulary so
// tests can exercise similarity search without calling a real embedding API.
func fakeEmbed(vocab []string) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		v := make([]float32, len(vocab))
		lower := strings.ToLower(text)
		for i, w := range vocab {
			if strings.Contains(lower, w) {
				v[i] = 1
			}
		}
		return v, nil
	}
}

var testVocab = []string{"database", "network", "frontend", "recipe"}

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{EmbeddingFunc: fakeEmbed(testVocab)})
	if err != nil {
		t.Fatalf("NewChromemStore failed: %v", err)
	}
	return s
}

func TestChromemStore_RememberThenRecallFindsSimilarContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Remember(ctx, "notes", "n1", "the database migration failed", nil); err != nil {
		t.Fatalf("Remember n1 failed: %v", err)
	}
	if err := s.Remember(ctx, "notes", "n2", "bake a cake with this recipe", nil); err != nil {
		t.Fatalf("Remember n2 failed: %v", err)
	}

	results, err := s.Recall(ctx, "notes", "database connection issue", 1)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ID != "n1" {
		t.Errorf("got top result %q, want n1", results[0].ID)
	}
}

func TestChromemStore_Recall_TopKClampedToCollectionSize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Remember(ctx, "notes", "only-one", "frontend rendering bug", nil); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	results, err := s.Recall(ctx, "notes", "frontend", 5)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (clamped to collection size)", len(results))
	}
}

func TestChromemStore_Recall_EmptyCollectionReturnsNoResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	results, err := s.Recall(ctx, "empty", "anything", 5)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestChromemStore_Forget_RemovesRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Remember(ctx, "notes", "n1", "network outage report", nil); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if err := s.Forget(ctx, "notes", "n1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}

	results, err := s.Recall(ctx, "notes", "network", 5)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results after Forget, want 0", len(results))
	}
}

func TestChromemStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewChromemStore(ChromemConfig{PersistPath: dir, EmbeddingFunc: fakeEmbed(testVocab)})
	if err != nil {
		t.Fatalf("NewChromemStore failed: %v", err)
	}
	if err := s1.Remember(ctx, "notes", "n1", "database backup completed", nil); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := NewChromemStore(ChromemConfig{PersistPath: dir, EmbeddingFunc: fakeEmbed(testVocab)})
	if err != nil {
		t.Fatalf("reopen NewChromemStore failed: %v", err)
	}
	results, err := s2.Recall(ctx, "notes", "database", 5)
	if err != nil {
		t.Fatalf("Recall after reopen failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "n1" {
		t.Fatalf("got %+v, want the persisted n1 record", results)
	}
}
