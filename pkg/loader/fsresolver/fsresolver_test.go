package fsresolver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCachesUntilInvalidated(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "rich.py"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := New([]string{root}, nil)
	path, ok := r.Resolve("rich")
	if !ok || path != filepath.Join(root, "rich.py") {
		t.Fatalf("Resolve() = (%q, %v), want (%q, true)", path, ok, filepath.Join(root, "rich.py"))
	}

	// Remove the file; a cached resolution should still be returned
	// until InvalidateCache drops it.
	if err := os.Remove(filepath.Join(root, "rich.py")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if path, ok := r.Resolve("rich"); !ok || path != filepath.Join(root, "rich.py") {
		t.Fatalf("Resolve() after removal but before invalidation = (%q, %v), want cached hit", path, ok)
	}

	r.InvalidateCache([]string{"rich"})
	if _, ok := r.Resolve("rich"); ok {
		t.Fatalf("Resolve() after invalidation and removal should miss")
	}
}

func TestSetSearchPathsReplacesRatherThanAppends(t *testing.T) {
	r := New([]string{"/a", "/b"}, nil)
	r.SetSearchPaths([]string{"/c"})
	got := r.SearchPaths()
	if len(got) != 1 || got[0] != "/c" {
		t.Fatalf("SearchPaths() = %v, want [/c]", got)
	}
}

func TestVersionFindsFirstMatchingDistInfo(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rich-13.7.1.dist-info"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	r := New(nil, []string{root})
	v, ok := r.Version("rich")
	if !ok || v != "13.7.1" {
		t.Fatalf("Version() = (%q, %v), want (\"13.7.1\", true)", v, ok)
	}

	if _, ok := r.Version("missing"); ok {
		t.Fatalf("Version() for unknown package should miss")
	}
}
