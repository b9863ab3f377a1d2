// Package settings models addressable groups, their bundling schemas and
// entries, and the profile variables used to evaluate build and load paths.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	// ErrReadOnlyGroup is returned when moving entries out of or into a
	// read-only group.
	ErrReadOnlyGroup = errors.New("group is read-only")

	// ErrDuplicateEntry is returned when one guid appears in two groups.
	ErrDuplicateEntry = errors.New("entry appears in more than one group")

	// ErrGroupExists is returned by CreateGroup for a taken name.
	ErrGroupExists = errors.New("group already exists")
)

// Settings is the root of an addressables settings file.
type Settings struct {
	PlayerVersion          string   `yaml:"player_version"`
	BuildTarget            string   `yaml:"build_target"`
	RemoteCatalogBuildPath string   `yaml:"remote_catalog_build_path,omitempty"`
	RemoteCatalogLoadPath  string   `yaml:"remote_catalog_load_path,omitempty"`
	Profile                Profile  `yaml:"profile"`
	Groups                 []*Group `yaml:"groups"`
}

// Load reads a YAML settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML settings and links entries to their groups.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Link(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the settings as YAML through a temp file and rename.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename settings: %w", err)
	}
	return nil
}

// Link sets entry back-references, assigns missing group guids and checks
// that no guid is claimed twice.
func (s *Settings) Link() error {
	seen := make(map[string]string)
	for _, g := range s.Groups {
		if g.GUID == "" {
			g.GUID = newGUID()
		}
		for _, e := range g.Entries {
			if prev, ok := seen[e.GUID]; ok {
				return fmt.Errorf("%w: %s in %q and %q", ErrDuplicateEntry, e.GUID, prev, g.Name)
			}
			seen[e.GUID] = g.Name
			e.group = g
		}
	}
	return nil
}

// FindGroup returns the group with the given name.
func (s *Settings) FindGroup(name string) *Group {
	for _, g := range s.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// GroupByGUID returns the group with the given guid.
func (s *Settings) GroupByGUID(guid string) *Group {
	for _, g := range s.Groups {
		if g.GUID == guid {
			return g
		}
	}
	return nil
}

// FindEntry returns the entry for an asset guid.
func (s *Settings) FindEntry(guid string) *Entry {
	for _, g := range s.Groups {
		for _, e := range g.Entries {
			if e.GUID == guid {
				return e
			}
		}
	}
	return nil
}

// AllEntries returns every entry in group order.
func (s *Settings) AllEntries() []*Entry {
	var out []*Entry
	for _, g := range s.Groups {
		out = append(out, g.Entries...)
	}
	return out
}

// CreateGroup appends a new group with a fresh guid.
func (s *Settings) CreateGroup(name string, schema *Schema) (*Group, error) {
	if s.FindGroup(name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrGroupExists, name)
	}
	g := &Group{Name: name, GUID: newGUID(), Schema: schema}
	s.Groups = append(s.Groups, g)
	return g, nil
}

// CreateOrMoveEntry makes guid an entry of target. An existing entry is
// moved, keeping its address and labels; otherwise a new entry is created
// with the asset path as its address.
func (s *Settings) CreateOrMoveEntry(guid, path string, target *Group) (*Entry, error) {
	if target.ReadOnly {
		return nil, fmt.Errorf("%w: %q", ErrReadOnlyGroup, target.Name)
	}
	if e := s.FindEntry(guid); e != nil {
		if err := s.MoveEntry(e, target); err != nil {
			return nil, err
		}
		return e, nil
	}
	e := &Entry{GUID: guid, Address: path, Path: path}
	target.add(e)
	return e, nil
}

// MoveEntry moves e into target.
func (s *Settings) MoveEntry(e *Entry, target *Group) error {
	if target.ReadOnly {
		return fmt.Errorf("%w: %q", ErrReadOnlyGroup, target.Name)
	}
	if from := e.group; from != nil {
		if from == target {
			return nil
		}
		if from.ReadOnly {
			return fmt.Errorf("%w: %q", ErrReadOnlyGroup, from.Name)
		}
		from.remove(e)
	}
	target.add(e)
	return nil
}

func newGUID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// Group is a named collection of entries sharing one schema.
type Group struct {
	Name     string   `yaml:"name"`
	GUID     string   `yaml:"guid"`
	ReadOnly bool     `yaml:"read_only,omitempty"`
	Schema   *Schema  `yaml:"schema,omitempty"`
	Entries  []*Entry `yaml:"entries"`
}

// HasBundleSchema reports whether the group produces bundles at all.
func (g *Group) HasBundleSchema() bool { return g.Schema != nil }

// IncludedInBuild reports whether the planner should consider the group.
func (g *Group) IncludedInBuild() bool {
	return g.Schema != nil && g.Schema.IncludedInBuild()
}

// IsStatic reports whether the group is flagged as static content.
func (g *Group) IsStatic() bool {
	return g.Schema != nil && g.Schema.StaticContent
}

func (g *Group) add(e *Entry) {
	e.group = g
	g.Entries = append(g.Entries, e)
}

func (g *Group) remove(e *Entry) {
	g.Entries = slices.DeleteFunc(g.Entries, func(x *Entry) bool { return x == e })
	e.group = nil
}

// Entry is one addressable asset or folder.
type Entry struct {
	GUID    string   `yaml:"guid"`
	Address string   `yaml:"address"`
	Path    string   `yaml:"path,omitempty"`
	Labels  []string `yaml:"labels,omitempty"`

	// BundleFileID is stamped during a build with the file id of the bundle
	// the entry resolved into.
	BundleFileID string `yaml:"-"`

	group *Group
}

// Group returns the owning group, or nil for a detached entry.
func (e *Entry) Group() *Group { return e.group }
