package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotRegistered is returned when replacing a path the registry does
	// not hold.
	ErrNotRegistered = errors.New("path not registered")

	// ErrPathCollision is returned when the replacement is already taken.
	ErrPathCollision = errors.New("path already registered")
)

// FileRegistry tracks every file a build produced. A content update swaps
// entries in it when reusing previously shipped bundles.
type FileRegistry struct {
	mu    sync.Mutex
	paths map[string]bool
}

// NewFileRegistry returns a registry holding paths.
func NewFileRegistry(paths ...string) *FileRegistry {
	r := &FileRegistry{paths: make(map[string]bool, len(paths))}
	for _, p := range paths {
		r.paths[p] = true
	}
	return r
}

// Add registers path.
func (r *FileRegistry) Add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[path] = true
}

// Remove unregisters path.
func (r *FileRegistry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

// Contains reports whether path is registered.
func (r *FileRegistry) Contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[path]
}

// Replace swaps oldPath for newPath in one step. It fails without changes
// when oldPath is unknown or newPath is already present.
func (r *FileRegistry) Replace(oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paths[oldPath] {
		return fmt.Errorf("%w: %s", ErrNotRegistered, oldPath)
	}
	if oldPath == newPath {
		return nil
	}
	if r.paths[newPath] {
		return fmt.Errorf("%w: %s", ErrPathCollision, newPath)
	}
	delete(r.paths, oldPath)
	r.paths[newPath] = true
	return nil
}

// Paths returns the registered paths, sorted.
func (r *FileRegistry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
