package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testDB() *assetdb.Memory {
	return assetdb.NewMemory(
		assetdb.Asset{GUID: "hero", Path: "Assets/Hero.prefab"},
		assetdb.Asset{GUID: "villain", Path: "Assets/Villain.prefab"},
		assetdb.Asset{GUID: "tree", Path: "Assets/Tree.prefab"},
		assetdb.Asset{GUID: "rock", Path: "Assets/Rock.prefab"},
		assetdb.Asset{GUID: "ui", Path: "Assets/UI.prefab"},
		assetdb.Asset{GUID: "fx", Path: "Assets/FX", Folder: true},
		assetdb.Asset{GUID: "spark", Path: "Assets/FX/spark.png"},
		assetdb.Asset{GUID: "burst", Path: "Assets/FX/burst.prefab"},
	)
}

func group(name string, mode settings.PackingMode, entries ...*settings.Entry) *settings.Group {
	return &settings.Group{
		Name:    name,
		GUID:    "g-" + name,
		Schema:  &settings.Schema{PackingMode: mode},
		Entries: entries,
	}
}

func entry(guid, address string, labels ...string) *settings.Entry {
	return &settings.Entry{GUID: guid, Address: address, Labels: labels}
}

func plan(t *testing.T, groups ...*settings.Group) *Plan {
	t.Helper()
	s := &settings.Settings{Groups: groups}
	require.NoError(t, s.Link())
	p, err := New(testDB(), Options{Logger: quiet}).Plan(context.Background(), s)
	require.NoError(t, err)
	return p
}

func TestPackTogether(t *testing.T) {
	p := plan(t, group("Characters", settings.PackTogether, entry("hero", "hero"), entry("villain", "villain")))
	require.Len(t, p.Assignments, 1)
	a := p.Assignments[0]
	assert.Equal(t, "characters_assets_all.bundle", a.BundleName)
	assert.Equal(t, []string{"Assets/Hero.prefab", "Assets/Villain.prefab"}, a.AssetNames)
	assert.Equal(t, []string{"hero", "villain"}, a.AddressableNames)
	assert.Equal(t, "g-Characters", p.BundleToGroup[a.BundleName])
	assert.Equal(t, a.BundleName, p.AssetToBundle["villain"])
}

func TestPackSeparately(t *testing.T) {
	p := plan(t, group("Props", settings.PackSeparately, entry("tree", "Tree"), entry("rock", "Rock")))
	require.Len(t, p.Assignments, 2)
	assert.Equal(t, "props_assets_tree.bundle", p.Assignments[0].BundleName)
	assert.Equal(t, "props_assets_rock.bundle", p.Assignments[1].BundleName)
	assert.Equal(t, []string{"props_assets_rock.bundle"}, p.EntryBundles["rock"])
}

func TestFolderEntryExpands(t *testing.T) {
	p := plan(t, group("FX", settings.PackTogether, entry("fx", "fx")))
	require.Len(t, p.Assignments, 1)
	a := p.Assignments[0]
	assert.Equal(t, []string{"Assets/FX/burst.prefab", "Assets/FX/spark.png"}, a.AssetNames)
	assert.Equal(t, []string{"fx/burst.prefab", "fx/spark.png"}, a.AddressableNames)
	assert.Equal(t, []string{a.BundleName}, p.EntryBundles["fx"])
}

func TestPackTogetherByLabel(t *testing.T) {
	p := plan(t, group("Level", settings.PackTogetherByLabel,
		entry("hero", "hero", "a"),
		entry("tree", "tree"),
		entry("villain", "villain", "b"),
		entry("rock", "rock"),
		entry("ui", "ui", "b", "a"),
	))
	require.Len(t, p.Assignments, 2)

	labeled := p.Assignments[0]
	assert.Equal(t, "level_assets_a_b.bundle", labeled.BundleName)
	assert.Equal(t, []string{"hero", "villain", "ui"}, labeled.AddressableNames)

	unlabeled := p.Assignments[1]
	assert.Equal(t, "level_assets_nolabels.bundle", unlabeled.BundleName)
	assert.Equal(t, []string{"tree", "rock"}, unlabeled.AddressableNames)
}

func TestBundleNameCollisionAcrossGroups(t *testing.T) {
	p := plan(t,
		group("x", settings.PackTogether, entry("hero", "hero")),
		group("X", settings.PackTogether, entry("villain", "villain")),
		group("x ", settings.PackTogether, entry("tree", "tree")),
	)
	require.Len(t, p.Assignments, 3)
	assert.Equal(t, "x_assets_all.bundle", p.Assignments[0].BundleName)
	assert.Equal(t, "x_assets_all1.bundle", p.Assignments[1].BundleName)
	assert.Equal(t, "x_assets_all2.bundle", p.Assignments[2].BundleName)
}

func TestNamerExhaustion(t *testing.T) {
	n := NewNamer()
	got, err := n.Unique("x.bundle")
	require.NoError(t, err)
	assert.Equal(t, "x.bundle", got)
	got, err = n.Unique("x.bundle")
	require.NoError(t, err)
	assert.Equal(t, "x1.bundle", got)

	for i := 2; i < MaxNameAttempts; i++ {
		n.Reserve(fmt.Sprintf("x%d.bundle", i))
	}
	_, err = n.Unique("x.bundle")
	assert.True(t, errors.Is(err, ErrBundleNameExhausted))
}

func TestNoQualifyingGroups(t *testing.T) {
	off := false
	g := group("Off", settings.PackTogether, entry("hero", "hero"))
	g.Schema.Include = &off
	p := plan(t, g, &settings.Group{Name: "NoSchema", Entries: []*settings.Entry{entry("rock", "rock")}})
	assert.Empty(t, p.Assignments)
	assert.Empty(t, p.AssetToBundle)
}

func TestCancelledPlan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &settings.Settings{Groups: []*settings.Group{
		group("A", settings.PackTogether, entry("hero", "hero")),
		group("B", settings.PackTogether, entry("rock", "rock")),
	}}
	require.NoError(t, s.Link())

	var seen []string
	p := New(testDB(), Options{Logger: quiet, Progress: func(g string, done, total int) {
		seen = append(seen, g)
		cancel()
	}})
	got, err := p.Plan(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Equal(t, []string{"A"}, seen)
}

func TestMissingAssetIsSkipped(t *testing.T) {
	p := plan(t, group("G", settings.PackTogether, entry("ghost", "ghost"), entry("hero", "hero")))
	require.Len(t, p.Assignments, 1)
	assert.Equal(t, []string{"hero"}, p.Assignments[0].AddressableNames)
}
