/*
Package fsresolver is the reference loader.Resolver implementation: it
shadows a filesystem-rooted package tree, maintaining an ordered search
path and metadata path plus an in-memory resolution-result cache keyed
by name — a module-cache analogue for a host without a global one.
*/
package fsresolver

import (
	"os"
	"path/filepath"
	"sync"
)

// Resolver is a loader.Resolver backed by directory lists on disk. A
// resolved name is cached until InvalidateCache drops it — the stale
// in-memory binding an activation scope must purge.
type Resolver struct {
	mu            sync.Mutex
	searchPaths   []string
	metadataPaths []string
	resolved      map[string]string // name -> resolved file path
}

// New builds a Resolver with the given initial search and metadata
// paths.
func New(searchPaths, metadataPaths []string) *Resolver {
	return &Resolver{
		searchPaths:   append([]string(nil), searchPaths...),
		metadataPaths: append([]string(nil), metadataPaths...),
		resolved:      make(map[string]string),
	}
}

func (r *Resolver) SearchPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.searchPaths...)
}

func (r *Resolver) SetSearchPaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchPaths = append([]string(nil), paths...)
}

func (r *Resolver) MetadataPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.metadataPaths...)
}

func (r *Resolver) SetMetadataPaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadataPaths = append([]string(nil), paths...)
}

func (r *Resolver) InvalidateCache(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		delete(r.resolved, n)
	}
}

// Resolve returns the path that importing name would bind to: the
// first search-path entry containing a "<name>" or "<name>.py" child,
// caching the result until InvalidateCache drops it. Returns ("",
// false) if no search path has a matching entry.
func (r *Resolver) Resolve(name string) (string, bool) {
	r.mu.Lock()
	if path, ok := r.resolved[name]; ok {
		r.mu.Unlock()
		return path, true
	}
	paths := append([]string(nil), r.searchPaths...)
	r.mu.Unlock()

	for _, root := range paths {
		for _, candidate := range []string{filepath.Join(root, name), filepath.Join(root, name+".py")} {
			if _, err := os.Stat(candidate); err == nil {
				r.mu.Lock()
				r.resolved[name] = candidate
				r.mu.Unlock()
				return candidate, true
			}
		}
	}
	return "", false
}

// Version returns the distribution version recorded for name by
// scanning metadata paths for a "<name>-<version>.dist-info" entry,
// first match wins — mirroring how a real metadata search stops at the
// first path on the list that has an answer.
func (r *Resolver) Version(name string) (string, bool) {
	r.mu.Lock()
	paths := append([]string(nil), r.metadataPaths...)
	r.mu.Unlock()

	for _, root := range paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			n, v, ok := splitDistInfo(e.Name())
			if ok && n == name {
				return v, true
			}
		}
	}
	return "", false
}

func splitDistInfo(fileName string) (name, version string, ok bool) {
	const suffix = ".dist-info"
	if len(fileName) <= len(suffix) || fileName[len(fileName)-len(suffix):] != suffix {
		return "", "", false
	}
	base := fileName[:len(fileName)-len(suffix)]
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '-' {
			return base[:i], base[i+1:], true
		}
	}
	return "", "", false
}
