package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-ai/opencode/internal/sandbox"
)

func newReadTestTool(t *testing.T, content string) (*ReadTool, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	sb := sandbox.New(dir, sandbox.AllowlistPolicy{})
	return NewReadTool(sb), dir
}

func execRead(t *testing.T, tool *ReadTool, input any) (*Result, error) {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	return tool.Execute(context.Background(), raw, nil)
}

func TestReadTool_Basic(t *testing.T) {
	tool, _ := newReadTestTool(t, "Hello\nWorld\n")
	res, err := execRead(t, tool, ReadInput{Target: "file.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.Output, "[lines 1-2 of 2 in file.txt]\n") {
		t.Fatalf("unexpected header: %q", res.Output)
	}
	if !strings.Contains(res.Output, "Hello\nWorld") {
		t.Fatalf("unexpected body: %q", res.Output)
	}
}

func TestReadTool_EmptyFile(t *testing.T) {
	tool, _ := newReadTestTool(t, "")
	res, err := execRead(t, tool, ReadInput{Target: "file.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.Output, "[lines 0-0 of 0 in file.txt]") {
		t.Fatalf("unexpected header for empty file: %q", res.Output)
	}
}

func TestReadTool_LimitZero(t *testing.T) {
	tool, _ := newReadTestTool(t, "a\nb\nc\n")
	raw := json.RawMessage(`{"target": "file.txt", "limit": 0}`)
	res, err := tool.Execute(context.Background(), raw, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Metadata["lines"] != 0 {
		t.Fatalf("expected 0 lines returned, got %v", res.Metadata["lines"])
	}
}

func TestReadTool_LimitAboveMaxIsClamped(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 250; i++ {
		b.WriteString("line\n")
	}
	tool, _ := newReadTestTool(t, b.String())
	res, err := execRead(t, tool, ReadInput{Target: "file.txt", Limit: 250})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Metadata["lines"] != defaultReadLimit {
		t.Fatalf("expected limit clamped to %d, got %v", defaultReadLimit, res.Metadata["lines"])
	}
	if !strings.HasPrefix(res.Output, "[lines 1-100 of 250 in file.txt]") {
		t.Fatalf("unexpected header: %q", res.Output)
	}
}

func TestReadTool_NegativeLimitErrors(t *testing.T) {
	tool, _ := newReadTestTool(t, "a\nb\n")
	if _, err := execRead(t, tool, ReadInput{Target: "file.txt", Limit: -1}); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestReadTool_OffsetBeyondTotalErrors(t *testing.T) {
	tool, _ := newReadTestTool(t, "a\nb\n")
	if _, err := execRead(t, tool, ReadInput{Target: "file.txt", Offset: 10}); err == nil {
		t.Fatal("expected error for out-of-range offset")
	}
}

func TestReadTool_OffsetPagination(t *testing.T) {
	tool, _ := newReadTestTool(t, "a\nb\nc\nd\n")
	res, err := execRead(t, tool, ReadInput{Target: "file.txt", Offset: 3, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "c\nd") {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if !strings.HasPrefix(res.Output, "[lines 3-4 of 4 in file.txt]") {
		t.Fatalf("unexpected header: %q", res.Output)
	}
}

func TestReadTool_RejectsPathEscape(t *testing.T) {
	tool, _ := newReadTestTool(t, "x")
	if _, err := execRead(t, tool, ReadInput{Target: "../../etc/passwd"}); err == nil {
		t.Fatal("expected sandbox escape to be rejected")
	}
}

func TestReadTool_MissingFile(t *testing.T) {
	tool, _ := newReadTestTool(t, "x")
	if _, err := execRead(t, tool, ReadInput{Target: "missing.txt"}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
