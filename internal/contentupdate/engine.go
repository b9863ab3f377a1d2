// Package contentupdate decides which previously shipped bundles a content
// update can reuse and rewrites the catalog to point at them.
package contentupdate

import (
	"log/slog"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/contentstate"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// Engine computes asset state from the asset database.
type Engine struct {
	db  assetdb.Database
	log *slog.Logger
}

// NewEngine returns an engine over db.
func NewEngine(db assetdb.Database, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.With("component", "contentupdate")
	}
	return &Engine{db: db, log: log}
}

// AssetState returns the current guid and hash of an asset.
func (e *Engine) AssetState(guid string) (contentstate.AssetState, bool) {
	h, ok := e.db.Hash(guid)
	if !ok {
		return contentstate.AssetState{}, false
	}
	return contentstate.AssetState{GUID: guid, Hash: h}, true
}

// CachedState captures the current state of guid the same way a build does:
// its own state plus the states of its transitive dependencies in walk
// order. Dependencies that no longer resolve are left out.
func (e *Engine) CachedState(guid string) (*contentstate.CachedAssetState, bool) {
	asset, ok := e.AssetState(guid)
	if !ok {
		return nil, false
	}
	c := &contentstate.CachedAssetState{Asset: asset}
	for _, dep := range e.db.Dependencies(guid, true) {
		if ds, ok := e.AssetState(dep); ok {
			c.Dependencies = append(c.Dependencies, ds)
		}
	}
	return c, true
}

// HasChanged reports whether an asset or anything it depended on differs
// from prev. An asset that no longer resolves has changed.
func (e *Engine) HasChanged(prev *contentstate.CachedAssetState) bool {
	cur, ok := e.CachedState(prev.Asset.GUID)
	if !ok {
		return true
	}
	return !cur.Equal(prev)
}

// ModifiedEntry is an entry of a static group whose content changed since
// the baseline.
type ModifiedEntry struct {
	Entry    *settings.Entry
	Previous *contentstate.CachedAssetState
}

// GatherModifiedEntries lists changed entries in static-content groups.
// Entries without a baseline are new and not listed.
func (e *Engine) GatherModifiedEntries(s *settings.Settings, baseline *contentstate.ContentState) []ModifiedEntry {
	infos := baseline.InfoByGUID()
	var out []ModifiedEntry
	for _, g := range s.Groups {
		if !g.IsStatic() {
			continue
		}
		for _, entry := range g.Entries {
			prev, ok := infos[entry.GUID]
			if !ok {
				continue
			}
			if e.HasChanged(prev) {
				out = append(out, ModifiedEntry{Entry: entry, Previous: prev})
			}
		}
	}
	return out
}

// CheckRestrictions fails with a policy violation for the first modified
// static entry when strict is set; otherwise it logs each one.
func (e *Engine) CheckRestrictions(modified []ModifiedEntry, strict bool) error {
	for _, m := range modified {
		group := ""
		if g := m.Entry.Group(); g != nil {
			group = g.Name
		}
		if strict {
			return &settings.PolicyViolationError{
				Entry:  m.Entry.GUID,
				Group:  group,
				Reason: "static content changed since the last release",
			}
		}
		e.log.Warn("static content changed, update will ship it from its old bundle",
			"guid", m.Entry.GUID,
			"address", m.Entry.Address,
			"group", group)
	}
	return nil
}

// UpdateGroupName names the group modified static entries are moved into.
const UpdateGroupName = "Content Update"

// MoveToUpdateGroup moves modified static entries into a dynamic group so
// the next update ships them in new bundles.
func MoveToUpdateGroup(s *settings.Settings, modified []ModifiedEntry, template *settings.Schema) (*settings.Group, error) {
	if len(modified) == 0 {
		return nil, nil
	}
	target := s.FindGroup(UpdateGroupName)
	if target == nil {
		schema := &settings.Schema{PackingMode: settings.PackTogether}
		if template != nil {
			cp := *template
			schema = &cp
			schema.StaticContent = false
		}
		var err error
		if target, err = s.CreateGroup(UpdateGroupName, schema); err != nil {
			return nil, err
		}
	}
	for _, m := range modified {
		if err := s.MoveEntry(m.Entry, target); err != nil {
			return nil, &settings.PolicyViolationError{
				Entry:  m.Entry.GUID,
				Group:  m.Entry.Group().Name,
				Reason: "cannot move modified static entry",
				Err:    err,
			}
		}
	}
	return target, nil
}

// CaptureState snapshots a finished build as the baseline for later
// updates. Entries must carry their bundle file id. Bundle state is taken
// from the bundle entries of the catalog.
func (e *Engine) CaptureState(s *settings.Settings, entries []*catalog.Entry, editorVersion string) *contentstate.ContentState {
	st := &contentstate.ContentState{
		PlayerVersion:         s.PlayerVersion,
		EditorVersion:         editorVersion,
		RemoteCatalogLoadPath: s.Profile.Evaluate(s.RemoteCatalogLoadPath),
		CachedInfos:           []contentstate.CachedAssetState{},
		CachedBundles:         []contentstate.CachedBundleState{},
	}
	for _, g := range s.Groups {
		if !g.HasBundleSchema() {
			continue
		}
		for _, entry := range g.Entries {
			if entry.BundleFileID == "" {
				continue
			}
			c, ok := e.CachedState(entry.GUID)
			if !ok {
				e.log.Warn("entry has no asset state, not captured", "guid", entry.GUID)
				continue
			}
			c.GroupGUID = g.GUID
			c.BundleFileID = entry.BundleFileID
			st.CachedInfos = append(st.CachedInfos, *c)
		}
	}
	for _, ce := range entries {
		if ce.Provider != catalog.AssetBundleProvider {
			continue
		}
		opts, _ := ce.Data.(*catalog.BundleRequestOptions)
		st.CachedBundles = append(st.CachedBundles, contentstate.CachedBundleState{
			BundleFileID: ce.InternalID,
			Data:         opts,
		})
	}
	return st
}
