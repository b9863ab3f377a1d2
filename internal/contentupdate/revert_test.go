package contentupdate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/contenthash"
	"github.com/withObsrvr/content-catalog/internal/contentstate"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/settings"
	"github.com/withObsrvr/content-catalog/internal/storage"
)

const project = `
player_version: "1.0"
profile:
  Build: out
  Load: https://cdn
groups:
  - name: Static
    guid: g-static
    schema:
      packing_mode: pack_separately
      static_content: true
      build_path: "[Build]"
      load_path: "[Load]"
    entries:
      - {guid: e, address: e}
      - {guid: d, address: d}
      - {guid: f, address: f}
  - name: Dynamic
    guid: g-dynamic
    schema:
      packing_mode: pack_separately
      build_path: "[Build]"
      load_path: "[Load]"
    entries:
      - {guid: x, address: x}
`

type memFiles struct {
	present map[string]bool
	deleted []string
	failOn  string
}

func (m *memFiles) Exists(_ context.Context, key string) (bool, error) { return m.present[key], nil }

func (m *memFiles) Delete(_ context.Context, key string) error {
	if key == m.failOn {
		return errors.New("locked")
	}
	m.deleted = append(m.deleted, key)
	delete(m.present, key)
	return nil
}

type fixture struct {
	settings *settings.Settings
	db       *assetdb.Memory
	build    *Build
	baseline *contentstate.ContentState
	files    *memFiles
	registry *storage.FileRegistry
}

func hashOf(s string) contenthash.Hash128 { return contenthash.Sum([]byte(s)) }

// newFixture builds a project where every entry has its own bundle named
// after its guid. The new build writes "<guid>_new.bundle" and the baseline
// shipped "<guid>_old.bundle".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := settings.Parse([]byte(project))
	require.NoError(t, err)

	db := assetdb.NewMemory(
		assetdb.Asset{GUID: "e", Path: "Assets/e.prefab", Hash: hashOf("e"), Dependencies: []string{"d"}},
		assetdb.Asset{GUID: "d", Path: "Assets/d.mat", Hash: hashOf("d")},
		assetdb.Asset{GUID: "f", Path: "Assets/f.prefab", Hash: hashOf("f"), Dependencies: []string{"d"}},
		assetdb.Asset{GUID: "x", Path: "Assets/x.png", Hash: hashOf("x")},
	)

	graph := layout.New()
	f := &fixture{
		settings: s,
		db:       db,
		build:    &Build{Settings: s, Graph: graph},
		baseline: &contentstate.ContentState{PlayerVersion: "1.0", CachedBundles: []contentstate.CachedBundleState{}},
		files:    &memFiles{present: map[string]bool{}},
		registry: storage.NewFileRegistry(),
	}
	engine := NewEngine(db, nil)
	for _, g := range s.Groups {
		for _, entry := range g.Entries {
			guid := entry.GUID
			bundle := guid + ".bundle"
			graph.AssetToFiles[guid] = []string{"cab-" + guid}
			graph.FileToBundle["cab-"+guid] = bundle

			be := catalog.NewEntry("https://cdn/"+guid+"_new.bundle", catalog.AssetBundleProvider, catalog.StringKey(bundle))
			be.Data = &catalog.BundleRequestOptions{Hash: "new-" + guid, BundleName: bundle}
			f.build.Catalog = append(f.build.Catalog, be)
			f.registry.Add("out/" + guid + "_new.bundle")
			f.files.present["out/"+guid+"_new.bundle"] = true
			f.files.present["out/"+guid+"_old.bundle"] = true

			prev, ok := engine.CachedState(guid)
			require.True(t, ok)
			prev.GroupGUID = g.GUID
			prev.BundleFileID = "https://cdn/" + guid + "_old.bundle"
			f.baseline.CachedInfos = append(f.baseline.CachedInfos, *prev)
			f.baseline.CachedBundles = append(f.baseline.CachedBundles, contentstate.CachedBundleState{
				BundleFileID: prev.BundleFileID,
				Data:         &catalog.BundleRequestOptions{Hash: "old-" + guid, BundleName: bundle},
			})
		}
	}
	return f
}

func (f *fixture) reverter() *Reverter {
	return NewReverter(NewEngine(f.db, nil), f.files)
}

func (f *fixture) bundleEntry(guid string) *catalog.Entry {
	return bundleEntries(f.build.Catalog)[guid+".bundle"]
}

func TestStaticChangedEntryRevertsToShippedBundle(t *testing.T) {
	f := newFixture(t)
	f.db.SetHash("e", hashOf("e2"))
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, MustRevert, plan.Decisions["e"])
	assert.Equal(t, "https://cdn/e_new.bundle", f.settings.FindEntry("e").BundleFileID)

	res := r.Apply(ctx, plan, f.registry)
	require.Empty(t, res.Failures)
	assert.Contains(t, res.Reverted, "e")
	assert.Equal(t, Reverted, plan.Decisions["e"])

	assert.True(t, f.registry.Contains("out/e_old.bundle"))
	assert.False(t, f.registry.Contains("out/e_new.bundle"))
	assert.Contains(t, f.files.deleted, "out/e_new.bundle")

	be := f.bundleEntry("e")
	assert.Equal(t, "https://cdn/e_old.bundle", be.InternalID)
	opts, ok := be.Data.(*catalog.BundleRequestOptions)
	require.True(t, ok)
	assert.Equal(t, "old-e", opts.Hash)
}

func TestDynamicChangedEntryKeepsNewBundle(t *testing.T) {
	f := newFixture(t)
	f.db.SetHash("x", hashOf("x2"))

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, HashChangedDynamic, plan.Decisions["x"])
	assert.Equal(t, NotReverted, plan.Decisions["x"].Terminal())
	assert.Equal(t, "https://cdn/x_new.bundle", f.settings.FindEntry("x").BundleFileID)
	for _, op := range plan.Operations {
		assert.NotEqual(t, "x", op.Entry.GUID)
	}
}

func TestDynamicUnchangedEntryReverts(t *testing.T) {
	f := newFixture(t)

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, MustRevert, plan.Decisions["x"])
}

func TestDependencyHashChangeCountsAsChange(t *testing.T) {
	f := newFixture(t)
	f.settings.FindGroup("Static").Schema.StaticContent = false
	f.db.SetHash("d", hashOf("d2"))

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, HashChangedDynamic, plan.Decisions["e"])
	assert.Equal(t, HashChangedDynamic, plan.Decisions["d"])
	assert.Equal(t, HashChangedDynamic, plan.Decisions["f"])
}

func TestMovedEntryIsNotReverted(t *testing.T) {
	f := newFixture(t)
	s := f.settings
	require.NoError(t, s.MoveEntry(s.FindEntry("d"), s.FindGroup("Dynamic")))

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, GroupChanged, plan.Decisions["d"])
	assert.Equal(t, NotReverted, plan.Decisions["d"].Terminal())
}

func TestMatchingBundleNeedsNoAction(t *testing.T) {
	f := newFixture(t)
	f.bundleEntry("f").InternalID = "https://cdn/f_old.bundle"

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, AlreadyMatching, plan.Decisions["f"])
	assert.Equal(t, NoActionNeeded, plan.Decisions["f"].Terminal())
}

func TestEntryWithoutBaselineIsNotReverted(t *testing.T) {
	f := newFixture(t)
	f.baseline.CachedInfos = f.baseline.CachedInfos[1:]

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, NoBaseline, plan.Decisions["e"])
}

func TestEntryWithoutBuildOutputIsSkipped(t *testing.T) {
	f := newFixture(t)
	delete(f.build.Graph.AssetToFiles, "f")

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, NoBuildOutput, plan.Decisions["f"])
	assert.Empty(t, f.settings.FindEntry("f").BundleFileID)
}

func TestSharedDependencyIsCarriedOverOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)

	res := r.Apply(ctx, plan, f.registry)
	require.Empty(t, res.Failures)
	assert.ElementsMatch(t, []string{"e", "d", "f", "x"}, res.Reverted)
	assert.Equal(t, []string{"https://cdn/d_old.bundle"}, res.CarriedOver)

	assert.True(t, f.registry.Contains("out/d_old.bundle"))
	assert.Equal(t, "https://cdn/d_old.bundle", f.bundleEntry("d").InternalID)
	deletes := 0
	for _, p := range f.files.deleted {
		if p == "out/d_new.bundle" {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestSharedBundleWithRebuiltEntryIsNotReverted(t *testing.T) {
	f := newFixture(t)
	// x joins e's bundle and has changed content in a dynamic group.
	f.build.Graph.FileToBundle["cab-x"] = "e.bundle"
	f.db.SetHash("x", hashOf("x2"))

	plan, err := f.reverter().Run(context.Background(), f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, HashChangedDynamic, plan.Decisions["x"])
	assert.Equal(t, BundleDiverged, plan.Decisions["e"])
	assert.Equal(t, NotReverted, plan.Decisions["e"].Terminal())
	assert.Equal(t, MustRevert, plan.Decisions["d"])
}

func TestEntryDependingOnDivergedBundleIsNotReverted(t *testing.T) {
	f := newFixture(t)
	// x joins d's bundle with changed content, so d keeps its new bundle and
	// e, shipped against d_old, must not revert on its own.
	f.build.Graph.FileToBundle["cab-x"] = "d.bundle"
	f.db.SetHash("x", hashOf("x2"))
	f.db.SetHash("e", hashOf("e2"))
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)
	assert.Equal(t, BundleDiverged, plan.Decisions["d"])
	assert.Equal(t, DependencyDiverged, plan.Decisions["e"])
	assert.Equal(t, DependencyDiverged, plan.Decisions["f"])
	assert.Equal(t, NotReverted, plan.Decisions["e"].Terminal())
	assert.Empty(t, plan.Operations)

	res := r.Apply(ctx, plan, f.registry)
	assert.Empty(t, res.Reverted)
	assert.Empty(t, res.CarriedOver)
	assert.Equal(t, "https://cdn/e_new.bundle", f.bundleEntry("e").InternalID)
	assert.Equal(t, "https://cdn/d_new.bundle", f.bundleEntry("d").InternalID)
}

func TestCarriedOverIgnoresEntryOrder(t *testing.T) {
	f := newFixture(t)
	entries := f.settings.FindGroup("Static").Entries
	entries[0], entries[1] = entries[1], entries[0]
	require.Equal(t, "d", entries[0].GUID)
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)
	res := r.Apply(ctx, plan, f.registry)
	require.Empty(t, res.Failures)
	assert.Equal(t, []string{"https://cdn/d_old.bundle"}, res.CarriedOver)
}

func TestDependencySwapFailureKeepsDependentsNew(t *testing.T) {
	f := newFixture(t)
	f.registry.Remove("out/d_new.bundle")
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)
	res := r.Apply(ctx, plan, f.registry)

	assert.Equal(t, NotReverted, plan.Decisions["d"])
	assert.Equal(t, NotReverted, plan.Decisions["e"])
	assert.Equal(t, NotReverted, plan.Decisions["f"])
	assert.ElementsMatch(t, []string{"x"}, res.Reverted)
	assert.Len(t, res.Failures, 3)
	assert.Equal(t, "https://cdn/e_new.bundle", f.bundleEntry("e").InternalID)
	assert.True(t, f.registry.Contains("out/e_new.bundle"))
}

func TestRegistryFailureLeavesEntryNotReverted(t *testing.T) {
	f := newFixture(t)
	f.registry.Remove("out/f_new.bundle")
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)
	res := r.Apply(ctx, plan, f.registry)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "f", res.Failures[0].Entry)
	assert.ErrorIs(t, res.Failures[0].Err, storage.ErrNotRegistered)
	assert.Equal(t, NotReverted, plan.Decisions["f"])
	assert.Equal(t, "https://cdn/f_new.bundle", f.bundleEntry("f").InternalID)
}

func TestDeleteFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.files.failOn = "out/x_new.bundle"
	ctx := context.Background()

	r := f.reverter()
	plan, err := r.Run(ctx, f.build, f.baseline)
	require.NoError(t, err)
	res := r.Apply(ctx, plan, f.registry)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "out/x_new.bundle", res.Failures[0].Path)
	assert.Equal(t, Reverted, plan.Decisions["x"])
}

func TestRunWithoutBaseline(t *testing.T) {
	f := newFixture(t)
	_, err := f.reverter().Run(context.Background(), f.build, nil)
	assert.ErrorIs(t, err, contentstate.ErrNoContentState)
}
