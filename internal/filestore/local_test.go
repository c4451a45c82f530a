package filestore

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalStore_PutThenRetrieveRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	if _, err := s.Put(ctx, "sess-1/report.csv", strings.NewReader("a,b,c\n1,2,3\n"), PutOptions{MimeType: "text/csv"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := s.Retrieve(ctx, "sess-1/report.csv")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "a,b,c\n1,2,3\n" {
		t.Errorf("got %q, want round-tripped content", data)
	}
}

func TestLocalStore_ExistsReflectsPutAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := NewLocalStore(t.TempDir())

	ok, err := s.Exists(ctx, "missing.txt")
	if err != nil || ok {
		t.Fatalf("got (%v, %v), want (false, nil)", ok, err)
	}

	if _, err := s.Put(ctx, "present.txt", strings.NewReader("x"), PutOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ok, err = s.Exists(ctx, "present.txt")
	if err != nil || !ok {
		t.Fatalf("got (%v, %v), want (true, nil)", ok, err)
	}

	if err := s.Delete(ctx, "present.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, _ = s.Exists(ctx, "present.txt")
	if ok {
		t.Error("expected file to be gone after Delete")
	}
}

func TestLocalStore_DeleteMissingHandleIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s, _ := NewLocalStore(t.TempDir())

	if err := s.Delete(ctx, "never-existed.txt"); err != nil {
		t.Errorf("Delete of missing handle should be a no-op, got %v", err)
	}
}

func TestLocalStore_RejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	s, _ := NewLocalStore(t.TempDir())

	if _, err := s.Put(ctx, "../escape.txt", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Error("expected Put to reject a handle containing '..'")
	}
}
