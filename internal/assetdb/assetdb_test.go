package assetdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

func graph() *Memory {
	return NewMemory(
		Asset{GUID: "hero", Path: "Assets/Hero.prefab", Dependencies: []string{"mat", "tex", "hero"}},
		Asset{GUID: "mat", Path: "Assets/Hero.mat", Dependencies: []string{"tex", "shader"}},
		Asset{GUID: "tex", Path: "Assets/Hero.png"},
		Asset{GUID: "shader", Path: "Assets/Toon.shader", Dependencies: []string{"hero"}},
		Asset{GUID: "fx", Path: "Assets/FX", Folder: true},
		Asset{GUID: "spark", Path: "Assets/FX/spark.png"},
		Asset{GUID: "burst", Path: "Assets/FX/burst.prefab"},
	)
}

func TestDependencies(t *testing.T) {
	db := graph()
	assert.Equal(t, []string{"mat", "tex"}, db.Dependencies("hero", false))
	assert.Equal(t, []string{"mat", "tex", "shader"}, db.Dependencies("hero", true))
	assert.Empty(t, db.Dependencies("tex", true))
	assert.Nil(t, db.Dependencies("missing", true))
}

func TestFolderContents(t *testing.T) {
	db := graph()
	got, ok := db.FolderContents("Assets/FX")
	require.True(t, ok)
	assert.Equal(t, []string{"burst", "spark"}, got)

	_, ok = db.FolderContents("Assets/Hero.prefab")
	assert.False(t, ok)
}

func TestPutReplacesPath(t *testing.T) {
	db := graph()
	db.Put(Asset{GUID: "tex", Path: "Assets/Renamed.png"})
	_, ok := db.GUIDForPath("Assets/Hero.png")
	assert.False(t, ok)
	g, ok := db.GUIDForPath("Assets/Renamed.png")
	assert.True(t, ok)
	assert.Equal(t, "tex", g)
}

func TestLoadManifestHashesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "project", "Assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project", "Assets", "a.txt"), []byte("alpha"), 0o644))

	pinned := contenthash.Sum([]byte("pinned"))
	manifest := "root: project\nassets:\n" +
		"  - guid: a\n    path: Assets/a.txt\n" +
		"  - guid: b\n    path: Assets/b.txt\n    hash: " + pinned.String() + "\n" +
		"  - guid: dir\n    path: Assets\n    folder: true\n"
	path := filepath.Join(dir, "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	db, err := LoadManifest(context.Background(), path, LoadOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, db.Len())

	h, ok := db.Hash("a")
	require.True(t, ok)
	assert.Equal(t, contenthash.Sum([]byte("alpha")), h)

	h, _ = db.Hash("b")
	assert.Equal(t, pinned, h)
}

func TestLoadManifestMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: .\nassets:\n  - guid: a\n    path: nope.bin\n"), 0o644))

	_, err := LoadManifest(context.Background(), path, LoadOptions{})
	assert.Error(t, err)
}
