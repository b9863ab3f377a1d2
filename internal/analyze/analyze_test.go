package analyze

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBuilder writes one file per bundle holding the explicit assets plus
// every dependency not planned into a bundle of its own.
type fakeBuilder struct {
	db    assetdb.Database
	calls int
}

func (f *fakeBuilder) BuildGraph(_ context.Context, plan *planner.Plan) (*layout.Layout, error) {
	f.calls++
	l := layout.New()
	for _, a := range plan.Assignments {
		file := "CAB-" + a.BundleName
		l.FileToBundle[file] = a.BundleName
		l.Bundles[a.BundleName] = layout.BundleDetails{FileName: a.BundleName}
		var objs []layout.ObjectID
		add := func(guid string) {
			for _, o := range objs {
				if o.GUID == guid {
					return
				}
			}
			objs = append(objs, layout.ObjectID{GUID: guid, LocalID: int64(len(objs) + 1)})
		}
		for _, g := range a.AssetGUIDs {
			l.AssetToFiles[g] = append(l.AssetToFiles[g], file)
			add(g)
			for _, d := range f.db.Dependencies(g, true) {
				if _, explicit := plan.AssetToBundle[d]; !explicit {
					add(d)
				}
			}
		}
		l.FileToObjects[file] = objs
	}
	return l, nil
}

func fixture(t *testing.T) *Input {
	t.Helper()
	db := assetdb.NewMemory(
		assetdb.Asset{GUID: "hero", Path: "Assets/Hero.prefab", Dependencies: []string{"tex", "mat", "script", "icon"}},
		assetdb.Asset{GUID: "villain", Path: "Assets/Villain.prefab", Dependencies: []string{"tex", "script", "icon"}},
		assetdb.Asset{GUID: "tree", Path: "Assets/Tree.prefab", Dependencies: []string{"leaf"}},
		assetdb.Asset{GUID: "tex", Path: "Assets/Shared.png"},
		assetdb.Asset{GUID: "mat", Path: "Assets/Hero.mat"},
		assetdb.Asset{GUID: "leaf", Path: "Assets/Leaf.png"},
		assetdb.Asset{GUID: "script", Path: "Assets/Scripts/Hero.cs"},
		assetdb.Asset{GUID: "icon", Path: "Assets/Resources/icon.png"},
	)
	s := &settings.Settings{Groups: []*settings.Group{
		{
			Name:   "Chars",
			GUID:   "g-chars",
			Schema: &settings.Schema{PackingMode: settings.PackSeparately},
			Entries: []*settings.Entry{
				{GUID: "hero", Address: "hero"},
				{GUID: "villain", Address: "villain"},
			},
		},
		{
			Name:    "Env",
			GUID:    "g-env",
			Schema:  &settings.Schema{PackingMode: settings.PackTogether},
			Entries: []*settings.Entry{{GUID: "tree", Address: "tree"}},
		},
	}}
	require.NoError(t, s.Link())
	return &Input{Settings: s, DB: db, Builder: &fakeBuilder{db: db}, Logger: quiet}
}

func TestBundleDuplicatesReportsSharedImplicitAsset(t *testing.T) {
	in := fixture(t)
	rule := &BundleDuplicatesRule{}
	results, err := rule.Refresh(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"tex"}, rule.Report().GUIDs)
	require.Len(t, results, 2)
	assert.Equal(t, "Chars:chars_assets_hero.bundle:Assets/Shared.png", results[0].String())
	assert.Equal(t, "Chars:chars_assets_villain.bundle:Assets/Shared.png", results[1].String())
	for _, r := range results {
		assert.NotContains(t, r.String(), "Hero.mat")
		assert.NotContains(t, r.String(), "Leaf.png")
	}

	byAsset := rule.Report().Results(AssetView)
	assert.Equal(t, []string{"Assets/Shared.png", "Chars", "chars_assets_hero.bundle"}, byAsset[0].Path)
}

func TestBundleDuplicatesFixIsolates(t *testing.T) {
	in := fixture(t)
	rule := &BundleDuplicatesRule{}
	_, err := rule.Refresh(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, rule.Fix(context.Background(), in))

	iso := in.Settings.FindGroup(IsolationGroupName)
	require.NotNil(t, iso)
	assert.True(t, iso.IsStatic())
	assert.Equal(t, settings.PackTogether, iso.Schema.Mode())
	require.Len(t, iso.Entries, 1)
	assert.Equal(t, "tex", iso.Entries[0].GUID)

	results, err := rule.Refresh(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, IsNoIssues(results))
	assert.Empty(t, rule.Report().GUIDs)
}

func TestFixRefreshesWhenEmpty(t *testing.T) {
	in := fixture(t)
	rule := &BundleDuplicatesRule{}
	require.NoError(t, rule.Fix(context.Background(), in))
	assert.NotNil(t, in.Settings.FindGroup(IsolationGroupName))
}

func TestIsolateFromReadOnlyGroup(t *testing.T) {
	in := fixture(t)
	locked := &settings.Group{Name: "Locked", GUID: "g-locked", ReadOnly: true,
		Entries: []*settings.Entry{{GUID: "tex", Address: "tex"}}}
	in.Settings.Groups = append(in.Settings.Groups, locked)
	require.NoError(t, in.Settings.Link())

	_, err := Isolate(in.Settings, in.DB, []string{"tex"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, settings.ErrPolicyViolation))

	var pv *settings.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "Locked", pv.Group)
}

func TestResourcesRule(t *testing.T) {
	in := fixture(t)
	results, err := (&ResourcesDuplicatesRule{}).Refresh(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "Assets/Resources/icon.png", r.Path[0])
	}
}

func TestLayoutPreview(t *testing.T) {
	in := fixture(t)
	results, err := (&LayoutPreviewRule{}).Refresh(context.Background(), in)
	require.NoError(t, err)

	var env []string
	for _, r := range results {
		if r.Path[0] == "env_assets_all.bundle" {
			env = append(env, r.Path[1]+" "+r.Path[2])
		}
	}
	assert.Equal(t, []string{"Explicit Assets/Tree.prefab", "Implicit Assets/Leaf.png"}, env)
}

func TestCancelledScanReturnsNothing(t *testing.T) {
	in := fixture(t)
	plan, err := planner.New(in.DB, planner.Options{Logger: quiet}).Plan(context.Background(), in.Settings)
	require.NoError(t, err)
	graph, err := in.Builder.BuildGraph(context.Background(), plan)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := FindDuplicates(ctx, graph, plan, in.Settings, in.DB, quiet)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
}

func TestBundleSpelledWithGroupGUIDIsNotADuplicate(t *testing.T) {
	in := fixture(t)
	ctx := context.Background()
	plan, err := planner.New(in.DB, planner.Options{Logger: quiet}).Plan(ctx, in.Settings)
	require.NoError(t, err)
	graph, err := in.Builder.BuildGraph(ctx, plan)
	require.NoError(t, err)

	// A second file of the hero bundle, named after the group guid.
	graph.FileToBundle["CAB-alias"] = "g-chars_assets_hero.bundle"
	graph.FileToObjects["CAB-alias"] = []layout.ObjectID{{GUID: "mat", LocalID: 1}, {GUID: "tex", LocalID: 2}}

	report, err := FindDuplicates(ctx, graph, plan, in.Settings, in.DB, quiet)
	require.NoError(t, err)
	assert.Equal(t, []string{"tex"}, report.GUIDs)

	results := report.Results(GroupView)
	require.Len(t, results, 2)
	assert.Equal(t, "Chars:chars_assets_hero.bundle:Assets/Shared.png", results[0].String())
	assert.Equal(t, "Chars:chars_assets_villain.bundle:Assets/Shared.png", results[1].String())
}

func TestBundleNamesResolve(t *testing.T) {
	s := &settings.Settings{Groups: []*settings.Group{{Name: "Chars", GUID: "0F1E"}}}
	names := newBundleNames(nil, s)

	name, g := names.resolve("0f1e_assets_all.bundle")
	assert.Equal(t, "chars_assets_all.bundle", name)
	require.NotNil(t, g)
	assert.Equal(t, "Chars", g.Name)

	name, g = names.resolve("other_assets_all.bundle")
	assert.Equal(t, "other_assets_all.bundle", name)
	assert.Nil(t, g)

	name, _ = names.resolve("x.bundle")
	assert.Equal(t, "x.bundle", name)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{RuleBundleDuplicates, RuleResourcesDuplicates, RuleLayoutPreview}, r.IDs())
	for _, id := range r.IDs() {
		rule, err := r.New(id)
		require.NoError(t, err)
		assert.Equal(t, id, rule.ID())
	}
	_, err := r.New("nope")
	assert.ErrorIs(t, err, ErrUnknownRule)
	assert.True(t, slices.Contains(r.IDs(), RuleLayoutPreview))
}

func TestExcludedPath(t *testing.T) {
	assert.True(t, excludedPath("Assets/Resources/a.png"))
	assert.True(t, excludedPath("Assets/Editor/Tool.asset"))
	assert.True(t, excludedPath("Assets/Code/Thing.CS"))
	assert.False(t, excludedPath("Assets/ResourcesExtra/a.png"))
}
