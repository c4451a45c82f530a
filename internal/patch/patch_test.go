package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-ai/opencode/internal/sandbox"
	"github.com/opencode-ai/opencode/pkg/types"
)

func mustParse(t *testing.T, envelope string) *types.ParsedPatch {
	t.Helper()
	p, err := Parse(envelope, ParseOptions{Strict: true})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return p
}

func TestParse_AddFile(t *testing.T) {
	envelope := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: hello.txt",
		"+Hello",
		"+World",
		"*** End Patch",
	}, "\n")

	p := mustParse(t, envelope)
	if p.Op != types.PatchAdd || p.Path != "hello.txt" {
		t.Fatalf("unexpected op/path: %+v", p)
	}
	if p.AddContent != "Hello\nWorld" {
		t.Fatalf("unexpected content: %q", p.AddContent)
	}
}

func TestParse_DeleteFile(t *testing.T) {
	envelope := "*** Begin Patch\n*** Delete File: old.txt\n*** End Patch"
	p := mustParse(t, envelope)
	if p.Op != types.PatchDelete || p.Path != "old.txt" {
		t.Fatalf("unexpected: %+v", p)
	}
}

func TestParse_UpdateFileWithHunks(t *testing.T) {
	envelope := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: main.go",
		"@@ func main",
		" line1",
		"-line2",
		"+line2_new",
		" line3",
		"*** End Patch",
	}, "\n")

	p := mustParse(t, envelope)
	if p.Op != types.PatchUpdate || len(p.Hunks) != 1 {
		t.Fatalf("unexpected: %+v", p)
	}
	h := p.Hunks[0]
	if len(h.ScopeLines) != 1 || h.ScopeLines[0] != "func main" {
		t.Fatalf("unexpected scope: %+v", h.ScopeLines)
	}
	if h.LinesAdded != 1 || h.LinesRemoved != 1 {
		t.Fatalf("unexpected counts: +%d -%d", h.LinesAdded, h.LinesRemoved)
	}
	wantOld := []string{"line1", "line2", "line3"}
	wantNew := []string{"line1", "line2_new", "line3"}
	if !equalStrings(h.OldLines, wantOld) || !equalStrings(h.NewLines, wantNew) {
		t.Fatalf("old=%v new=%v", h.OldLines, h.NewLines)
	}
}

func TestParse_UpdateFileContentBeforeFirstHunkFails(t *testing.T) {
	envelope := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: main.go",
		" line1",
		"@@ func main",
		"-line2",
		"+line2_new",
		"*** End Patch",
	}, "\n")
	if _, err := Parse(envelope, ParseOptions{Strict: true}); err == nil {
		t.Fatal("expected error for content preceding the first @@ hunk header")
	}
}

func TestParse_UpdateFileBlankLineBeforeFirstHunkIsIgnored(t *testing.T) {
	envelope := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: main.go",
		"",
		"@@ func main",
		" line1",
		"-line2",
		"+line2_new",
		"*** End Patch",
	}, "\n")
	p := mustParse(t, envelope)
	if len(p.Hunks) != 1 {
		t.Fatalf("expected a leading blank line to be ignored, not become a phantom hunk: got %d hunks", len(p.Hunks))
	}
}

func TestParse_MultipleOpsFails(t *testing.T) {
	envelope := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: a.txt",
		"+a",
		"*** Delete File: b.txt",
		"*** End Patch",
	}, "\n")
	if _, err := Parse(envelope, ParseOptions{Strict: true}); err == nil {
		t.Fatal("expected ErrMultipleOps")
	}
}

func TestParse_MissingSentinelStrict(t *testing.T) {
	envelope := "*** Add File: a.txt\n+a"
	if _, err := Parse(envelope, ParseOptions{Strict: true}); err == nil {
		t.Fatal("expected ErrMissingSentinel")
	}
}

func TestParse_LenientNoSentinel(t *testing.T) {
	envelope := "*** Add File: a.txt\n+a"
	p, err := Parse(envelope, ParseOptions{Strict: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.AddContent != "a" {
		t.Fatalf("unexpected content %q", p.AddContent)
	}
}

func TestMatchHunk_ExactAndAmbiguous(t *testing.T) {
	lines := []string{"func first() {", "  return 1", "}", "func second() {", "  return 1", "}"}

	if _, err := MatchHunk(lines, []string{"  return 1"}, 0, false, nil); err == nil {
		t.Fatal("expected ambiguous context match")
	}

	res, err := MatchHunk(lines, []string{"  return 1"}, 0, false, []string{"func second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Start != 4 {
		t.Fatalf("expected match at index 4, got %d", res.Start)
	}
}

func TestMatchHunk_WhitespaceFuzz(t *testing.T) {
	lines := []string{"if  x   ==  1 {"}
	res, err := MatchHunk(lines, []string{"if x == 1 {"}, 0, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fuzz != 100 {
		t.Fatalf("expected T2 fuzz level, got %d", res.Fuzz)
	}
}

func TestMatchHunk_OutOfOrder(t *testing.T) {
	lines := []string{"a", "b", "c", "d"}
	if _, err := MatchHunk(lines, []string{"a"}, 2, false, nil); err == nil {
		t.Fatal("expected out-of-order failure")
	}
}

func TestMatchHunk_PureInsertion(t *testing.T) {
	lines := []string{"a", "b", "c"}
	res, err := MatchHunk(lines, nil, 1, false, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Start != 1 || res.End != 1 {
		t.Fatalf("unexpected insertion point: %+v", res)
	}
}

func newTestSandbox(t *testing.T) (*sandbox.Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	return sandbox.New(dir, sandbox.AllowlistPolicy{}), dir
}

func TestApplier_AddFailsIfExists(t *testing.T) {
	sb, dir := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{Op: types.PatchAdd, Path: "a.txt", AddContent: "y"}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusError {
		t.Fatalf("expected error status, got %+v", res)
	}
}

func TestApplier_DeleteFailsIfMissing(t *testing.T) {
	sb, _ := newTestSandbox(t)
	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{Op: types.PatchDelete, Path: "missing.txt"}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusError {
		t.Fatalf("expected error, got %+v", res)
	}
}

func TestApplier_UpdateFailsIfMissing(t *testing.T) {
	sb, _ := newTestSandbox(t)
	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{Op: types.PatchUpdate, Path: "missing.txt", Hunks: []types.Hunk{{OldLines: []string{"x"}, NewLines: []string{"y"}}}}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusError {
		t.Fatalf("expected error, got %+v", res)
	}
}

func TestApplier_AddWritesContent(t *testing.T) {
	sb, dir := newTestSandbox(t)
	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{Op: types.PatchAdd, Path: "new/hello.txt", AddContent: "Hi"}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, err := os.ReadFile(filepath.Join(dir, "new/hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "Hi" {
		t.Fatalf("got %q", got)
	}
}

func TestApplier_DryRunLeavesFilesystemUnchanged(t *testing.T) {
	sb, dir := newTestSandbox(t)
	path := filepath.Join(dir, "file.txt")
	original := []byte("a\nb\nc\n")
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewApplier(sb, ApplierOptions{DryRun: true})
	p := &types.ParsedPatch{
		Op:   types.PatchUpdate,
		Path: "file.txt",
		Hunks: []types.Hunk{
			{OldLines: []string{"b"}, NewLines: []string{"b_new"}},
		},
	}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusOK || !res.DryRun {
		t.Fatalf("unexpected result: %+v", res)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(original) {
		t.Fatalf("dry run modified the file: %q", after)
	}
}

func TestApplier_UpdateAppliesHunkInPlace(t *testing.T) {
	sb, dir := newTestSandbox(t)
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{
		Op:   types.PatchUpdate,
		Path: "file.txt",
		Hunks: []types.Hunk{
			{OldLines: []string{"b"}, NewLines: []string{"b_new"}, LinesAdded: 1, LinesRemoved: 1},
		},
	}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a\nb_new\nc\n" {
		t.Fatalf("got %q", got)
	}
}

func TestApplier_AmbiguousContext(t *testing.T) {
	sb, dir := newTestSandbox(t)
	path := filepath.Join(dir, "file.txt")
	content := "def first():\n    return 1\n\ndef second():\n    return 1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{
		Op:   types.PatchUpdate,
		Path: "file.txt",
		Hunks: []types.Hunk{
			{OldLines: []string{"    return 1"}, NewLines: []string{"    return 2"}},
		},
	}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusError {
		t.Fatalf("expected ambiguous error, got %+v", res)
	}
	if !strings.Contains(res.Error, "ambiguous") {
		t.Fatalf("expected ambiguous error message, got %q", res.Error)
	}

	// Scoping to the second function resolves the ambiguity.
	p.Hunks[0].ScopeLines = []string{"def second"}
	res2 := a.Apply(p, 10)
	if res2.Status != types.PatchStatusOK {
		t.Fatalf("expected scoped match to succeed, got %+v", res2)
	}
}

func TestApplier_PreservesBOMAndLineEndings(t *testing.T) {
	sb, dir := newTestSandbox(t)
	path := filepath.Join(dir, "file.txt")
	content := append(utf8BOM, []byte("a\r\nb\r\nc\r\n")...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{
		Op:   types.PatchUpdate,
		Path: "file.txt",
		Hunks: []types.Hunk{
			{OldLines: []string{"b"}, NewLines: []string{"b_new"}},
		},
	}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusOK {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(got), "﻿") {
		t.Fatalf("BOM not preserved: %q", got)
	}
	if !strings.Contains(string(got), "b_new\r\n") {
		t.Fatalf("CRLF not preserved: %q", got)
	}
}

func TestApplier_MoveWithUpdate(t *testing.T) {
	sb, dir := newTestSandbox(t)
	path := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewApplier(sb, ApplierOptions{})
	p := &types.ParsedPatch{
		Op:     types.PatchUpdate,
		Path:   "old.txt",
		MoveTo: "new.txt",
		Hunks: []types.Hunk{
			{OldLines: []string{"a"}, NewLines: []string{"a_new"}},
		},
	}
	res := a.Apply(p, 10)
	if res.Status != types.PatchStatusOK || res.MovedFrom != "old.txt" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("old path should no longer exist")
	}
	got, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a_new\nb\n" {
		t.Fatalf("got %q", got)
	}
}

func TestApplier_SizeLimits(t *testing.T) {
	sb, _ := newTestSandbox(t)
	a := NewApplier(sb, ApplierOptions{MaxPatchSize: 5})
	p := &types.ParsedPatch{Op: types.PatchAdd, Path: "a.txt", AddContent: "hi"}
	res := a.Apply(p, 100)
	if res.Status != types.PatchStatusError || !strings.Contains(res.Error, "exceeds") {
		t.Fatalf("expected patch-too-large error, got %+v", res)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
