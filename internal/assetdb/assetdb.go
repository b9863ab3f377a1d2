// Package assetdb is the read-only view of the project's asset database:
// guid and path mapping, content hashes and the asset dependency graph.
package assetdb

import (
	"slices"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

// Database answers asset queries. Implementations must be safe for
// concurrent readers.
type Database interface {
	PathForGUID(guid string) (string, bool)
	GUIDForPath(path string) (string, bool)
	// Hash returns the current content hash of an asset.
	Hash(guid string) (contenthash.Hash128, bool)
	// Dependencies returns the guids an asset references, self excluded.
	// With recursive set the walk is depth-first preorder, each guid once.
	Dependencies(guid string, recursive bool) []string
	// FolderContents returns the non-folder asset guids under a folder,
	// ordered by path. ok is false when path is not a folder.
	FolderContents(path string) (guids []string, ok bool)
}

// Asset is one record of the database.
type Asset struct {
	GUID         string              `yaml:"guid"`
	Path         string              `yaml:"path"`
	Folder       bool                `yaml:"folder,omitempty"`
	Hash         contenthash.Hash128 `yaml:"hash,omitempty"`
	Dependencies []string            `yaml:"dependencies,omitempty"`
}

// Memory is an in-memory Database.
type Memory struct {
	byGUID map[string]*Asset
	byPath map[string]string
}

// NewMemory returns a database holding assets.
func NewMemory(assets ...Asset) *Memory {
	m := &Memory{
		byGUID: make(map[string]*Asset, len(assets)),
		byPath: make(map[string]string, len(assets)),
	}
	for _, a := range assets {
		m.Put(a)
	}
	return m
}

// Put adds or replaces an asset.
func (m *Memory) Put(a Asset) {
	if old, ok := m.byGUID[a.GUID]; ok {
		delete(m.byPath, old.Path)
	}
	a.Dependencies = slices.Clone(a.Dependencies)
	m.byGUID[a.GUID] = &a
	m.byPath[a.Path] = a.GUID
}

// SetHash updates the content hash of an existing asset.
func (m *Memory) SetHash(guid string, h contenthash.Hash128) bool {
	a, ok := m.byGUID[guid]
	if ok {
		a.Hash = h
	}
	return ok
}

// Len returns the number of assets.
func (m *Memory) Len() int { return len(m.byGUID) }

// PathForGUID returns the asset path of guid.
func (m *Memory) PathForGUID(guid string) (string, bool) {
	a, ok := m.byGUID[guid]
	if !ok {
		return "", false
	}
	return a.Path, true
}

// GUIDForPath returns the guid of the asset at path.
func (m *Memory) GUIDForPath(path string) (string, bool) {
	g, ok := m.byPath[path]
	return g, ok
}

// Hash returns the content hash of guid.
func (m *Memory) Hash(guid string) (contenthash.Hash128, bool) {
	a, ok := m.byGUID[guid]
	if !ok {
		return contenthash.Hash128{}, false
	}
	return a.Hash, true
}

// Dependencies returns the direct or transitive dependencies of guid in
// depth-first order, each once and never guid itself.
func (m *Memory) Dependencies(guid string, recursive bool) []string {
	a, ok := m.byGUID[guid]
	if !ok {
		return nil
	}
	if !recursive {
		out := make([]string, 0, len(a.Dependencies))
		for _, d := range a.Dependencies {
			if d != guid && !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
		return out
	}
	seen := map[string]bool{guid: true}
	var out []string
	var walk func(string)
	walk = func(g string) {
		cur, ok := m.byGUID[g]
		if !ok {
			return
		}
		for _, d := range cur.Dependencies {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			walk(d)
		}
	}
	walk(guid)
	return out
}

// FolderContents returns the assets under a folder asset.
func (m *Memory) FolderContents(path string) ([]string, bool) {
	guid, ok := m.byPath[path]
	if !ok || !m.byGUID[guid].Folder {
		return nil, false
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	var children []*Asset
	for _, a := range m.byGUID {
		if !a.Folder && strings.HasPrefix(a.Path, prefix) {
			children = append(children, a)
		}
	}
	slices.SortFunc(children, func(x, y *Asset) int { return strings.Compare(x.Path, y.Path) })
	out := make([]string, len(children))
	for i, a := range children {
		out[i] = a.GUID
	}
	return out, true
}
