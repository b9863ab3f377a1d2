package catalog

import "slices"

// Well-known provider ids.
const (
	AssetBundleProvider     = "content.providers.AssetBundleProvider"
	BundledAssetProvider    = "content.providers.BundledAssetProvider"
	LegacyResourcesProvider = "content.providers.LegacyResourcesProvider"
)

// Entry is one build-time location record. Keys and Dependencies are
// ordered sets: AddKey and AddDependency ignore repeats.
type Entry struct {
	InternalID   string
	Provider     string
	Keys         []Key
	Dependencies []Key
	Data         any
}

// NewEntry returns an entry with the given keys, duplicates removed.
func NewEntry(internalID, provider string, keys ...Key) *Entry {
	e := &Entry{InternalID: internalID, Provider: provider}
	for _, k := range keys {
		e.AddKey(k)
	}
	return e
}

// AddKey appends k if not already present.
func (e *Entry) AddKey(k Key) bool {
	if slices.Contains(e.Keys, k) {
		return false
	}
	e.Keys = append(e.Keys, k)
	return true
}

// AddDependency appends k if not already present.
func (e *Entry) AddDependency(k Key) bool {
	if slices.Contains(e.Dependencies, k) {
		return false
	}
	e.Dependencies = append(e.Dependencies, k)
	return true
}

// PrimaryKey returns the first key, used as the entry's display name.
func (e *Entry) PrimaryKey() Key {
	if len(e.Keys) == 0 {
		return Key{}
	}
	return e.Keys[0]
}

// Clone returns a copy with independent key slices. Data is shared.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Keys = slices.Clone(e.Keys)
	c.Dependencies = slices.Clone(e.Dependencies)
	return &c
}

// CloneEntries clones every entry in the slice.
func CloneEntries(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
