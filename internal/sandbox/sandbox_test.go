package sandbox

import (
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  foo/bar.go  ", "foo/bar.go"},
		{"foo\\bar.go", "foo/bar.go"},
		{"./foo/bar.go", "foo/bar.go"},
		{"foo/./bar.go", "foo/bar.go"},
		{"foo/baz/../bar.go", "foo/bar.go"},
		{".", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateRelative(t *testing.T) {
	bad := []string{"", "/abs/path", "..", "../escape", "a/../../b", "~/.ssh", "C:/win", "a/"}
	for _, p := range bad {
		if err := ValidateRelative(p); err == nil {
			t.Errorf("ValidateRelative(%q) should have failed", p)
		}
	}

	good := []string{"foo.go", "dir/file.txt", "a/b/c.md"}
	for _, p := range good {
		if err := ValidateRelative(p); err != nil {
			t.Errorf("ValidateRelative(%q) unexpected error: %v", p, err)
		}
	}
}

func TestResolveWithin(t *testing.T) {
	root := "/workspace/project"

	abs, err := ResolveWithin(root, "src/main.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Clean("/workspace/project/src/main.go")
	if abs != want {
		t.Errorf("got %q, want %q", abs, want)
	}

	if _, err := ResolveWithin(root, "../../etc/passwd"); err == nil {
		t.Error("expected escape to be rejected")
	}
}

func TestSandbox_Resolve(t *testing.T) {
	s := New("/workspace/project", AllowlistPolicy{})

	rel, abs, err := s.Resolve("  src/./main.go ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rel != "src/main.go" {
		t.Errorf("rel = %q, want src/main.go", rel)
	}
	if abs != filepath.Clean("/workspace/project/src/main.go") {
		t.Errorf("abs = %q", abs)
	}

	if _, _, err := s.Resolve("../../escape"); err == nil {
		t.Error("expected escape rejection")
	}
}

func TestAllowlistPolicy_EnforceAllowlist(t *testing.T) {
	p := AllowlistPolicy{
		Extensions:       []string{".go", ".md"},
		Basenames:        []string{"Makefile"},
		EnforceAllowlist: true,
	}

	cases := []struct {
		path string
		want bool
	}{
		{"main.go", true},
		{"README.md", true},
		{"Makefile", true},
		{"image.png", false},
		{"noext", false},
	}
	for _, c := range cases {
		if got := p.IsAllowed(c.path); got != c.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestAllowlistPolicy_BinaryExtsOnly(t *testing.T) {
	p := AllowlistPolicy{
		EnforceAllowlist: false,
		BinaryExts:       []string{".png", ".exe"},
	}

	if !p.IsAllowed("main.go") {
		t.Error("main.go should be allowed when not enforcing an allowlist")
	}
	if p.IsAllowed("image.png") {
		t.Error("image.png should be rejected via BinaryExts")
	}
}
