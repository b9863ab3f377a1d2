package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type labelSet struct {
	Labels []string `json:"labels"`
}

func (labelSet) TypeTag() TypeTag { return TypeTag{Module: "test", Name: "LabelSet"} }

func sampleEntries(t *testing.T) []*Entry {
	t.Helper()
	objKey, err := ObjectKey(labelSet{Labels: []string{"hd", "ui"}})
	require.NoError(t, err)

	bundleA := NewEntry("{Remote}/a.bundle", AssetBundleProvider, StringKey("a.bundle"))
	bundleA.Data = &BundleRequestOptions{Hash: "aa", Crc: 7, BundleName: "a", BundleSize: 1024}
	bundleB := NewEntry("{Remote}/b.bundle", AssetBundleProvider, StringKey("b.bundle"))
	bundleB.Data = &BundleRequestOptions{Hash: "bb", Crc: 9, BundleName: "b", BundleSize: 2048}

	hero := NewEntry("Assets/Hero.prefab", BundledAssetProvider,
		StringKey("hero"),
		StringKey("6f1c0b7e9a2d4c3b8e5f1a2b3c4d5e6f"),
		StringKey("héros"),
		Uint32Key(42),
		Int32Key(-3),
		Uint16Key(7),
		HashKey(contenthash.Sum([]byte("hero"))),
		objKey,
	)
	hero.AddDependency(StringKey("a.bundle"))
	hero.AddDependency(StringKey("b.bundle"))

	villain := NewEntry("Assets/Villain.prefab", BundledAssetProvider, StringKey("villain"))
	villain.AddDependency(StringKey("b.bundle"))
	villain.AddDependency(StringKey("a.bundle"))

	tree := NewEntry("Assets/Tree.prefab", BundledAssetProvider, StringKey("tree"))
	tree.AddDependency(StringKey("a.bundle"))
	tree.Data = "plain string data"

	return []*Entry{bundleA, bundleB, hero, villain, tree}
}

func internalIDs(locs []*Location) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.InternalID()
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := sampleEntries(t)
	res, err := Encode("main", entries, quiet)
	require.NoError(t, err)

	loc, err := Decode(res.Table, DefaultRegistry(), quiet)
	require.NoError(t, err)
	assert.Equal(t, "main", loc.ID)
	assert.Zero(t, loc.Skipped)

	for _, e := range entries {
		for _, k := range e.Keys {
			got, ok := loc.Locate(k)
			require.True(t, ok, "key %s", k)
			assert.Contains(t, internalIDs(got), e.InternalID, "key %s", k)
			for _, l := range got {
				if l.InternalID() == e.InternalID {
					assert.Equal(t, e.Provider, l.ProviderID())
				}
			}
		}
	}

	hero, ok := loc.Locate(StringKey("hero"))
	require.True(t, ok)
	require.Len(t, hero, 1)
	assert.ElementsMatch(t, []string{"{Remote}/a.bundle", "{Remote}/b.bundle"}, internalIDs(hero[0].Dependencies()))

	a, _ := loc.Locate(StringKey("a.bundle"))
	require.Len(t, a, 1)
	assert.Equal(t, &BundleRequestOptions{Hash: "aa", Crc: 7, BundleName: "a", BundleSize: 1024}, a[0].Data())

	tree, _ := loc.Locate(StringKey("tree"))
	require.Len(t, tree, 1)
	assert.Equal(t, "plain string data", tree[0].Data())
	assert.Equal(t, []string{"{Remote}/a.bundle"}, internalIDs(tree[0].Dependencies()))
}

func TestEncodeDoesNotMutateInput(t *testing.T) {
	entries := sampleEntries(t)
	before := CloneEntries(entries)
	_, err := Encode("main", entries, quiet)
	require.NoError(t, err)
	for i := range entries {
		assert.Equal(t, before[i].Keys, entries[i].Keys)
		assert.Equal(t, before[i].Dependencies, entries[i].Dependencies)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	first, err := Encode("main", sampleEntries(t), quiet)
	require.NoError(t, err)
	second, err := Encode("main", sampleEntries(t), quiet)
	require.NoError(t, err)
	assert.Equal(t, first.Table, second.Table)
}

func TestInternSharesIdenticalSets(t *testing.T) {
	entries := sampleEntries(t)
	stats := InternDependencies(entries, quiet)

	hero, villain, tree := entries[2], entries[3], entries[4]
	require.Len(t, hero.Dependencies, 1)
	assert.Equal(t, hero.Dependencies, villain.Dependencies)
	assert.Equal(t, KindInt32, hero.Dependencies[0].Kind())
	assert.Equal(t, []Key{StringKey("a.bundle")}, tree.Dependencies)

	assert.Equal(t, 1, stats.Sets)
	assert.Equal(t, 2, stats.Rewritten)
	assert.Zero(t, stats.Collisions)

	synthetic := hero.Dependencies[0]
	assert.Contains(t, entries[0].Keys, synthetic)
	assert.Contains(t, entries[1].Keys, synthetic)
}

func TestInternIsIdempotent(t *testing.T) {
	entries := sampleEntries(t)
	InternDependencies(entries, quiet)
	snapshot := CloneEntries(entries)

	stats := InternDependencies(entries, quiet)
	assert.Zero(t, stats.Rewritten)
	for i := range entries {
		assert.Equal(t, snapshot[i].Keys, entries[i].Keys)
		assert.Equal(t, snapshot[i].Dependencies, entries[i].Dependencies)
	}
}

func TestDependencySetHashIgnoresOrder(t *testing.T) {
	a, b, c := StringKey("a"), StringKey("b"), Uint32Key(3)
	assert.Equal(t, DependencySetHash([]Key{a, b, c}), DependencySetHash([]Key{c, a, b}))
	assert.Equal(t, DependencySetHash([]Key{a, b}), DependencySetHash([]Key{a, b, a}))
	assert.NotEqual(t, DependencySetHash([]Key{a, b}), DependencySetHash([]Key{a, c}))
}

func TestUnsupportedDataIsDropped(t *testing.T) {
	e := NewEntry("Assets/X.asset", BundledAssetProvider, StringKey("x"))
	e.Data = struct{ N int }{N: 1}
	res, err := Encode("main", []*Entry{e}, quiet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Assets/X.asset"}, res.DroppedData)

	loc, err := Decode(res.Table, nil, quiet)
	require.NoError(t, err)
	got, _ := loc.Locate(StringKey("x"))
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Data())
}

func TestInvalidUTF8FailsEncode(t *testing.T) {
	key := NewEntry("Assets/tex.png", BundledAssetProvider, StringKey("tex\xff.png"))
	_, err := Encode("main", []*Entry{key}, quiet)
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	id := NewEntry("Assets/tex\xff.png", BundledAssetProvider, StringKey("tex"))
	_, err = Encode("main", []*Entry{id}, quiet)
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestNonASCIIKeyRoundTrips(t *testing.T) {
	for _, s := range []string{"héros", "テクスチャ", "emoji \U0001F600"} {
		e := NewEntry("Assets/"+s, BundledAssetProvider, StringKey(s))
		res, err := Encode("main", []*Entry{e}, quiet)
		require.NoError(t, err)
		loc, err := Decode(res.Table, nil, quiet)
		require.NoError(t, err)
		got, ok := loc.Locate(StringKey(s))
		require.True(t, ok, s)
		assert.Equal(t, "Assets/"+s, got[0].InternalID())
	}
}

func TestUnregisteredObjectStaysRaw(t *testing.T) {
	e := NewEntry("Assets/X.asset", BundledAssetProvider, StringKey("x"))
	e.Data = labelSet{Labels: []string{"a"}}
	res, err := Encode("main", []*Entry{e}, quiet)
	require.NoError(t, err)

	loc, err := Decode(res.Table, DefaultRegistry(), quiet)
	require.NoError(t, err)
	got, _ := loc.Locate(StringKey("x"))
	require.Len(t, got, 1)
	raw, ok := got[0].Data().(RawObject)
	require.True(t, ok)
	assert.Equal(t, TypeTag{Module: "test", Name: "LabelSet"}, raw.Tag)
	assert.JSONEq(t, `{"labels":["a"]}`, string(raw.JSON))
}

func TestDecodeRejectsBrokenHeader(t *testing.T) {
	res, err := Encode("main", sampleEntries(t), quiet)
	require.NoError(t, err)

	broken := *res.Table
	broken.EntryData = broken.EntryData[:2]
	_, err = Decode(&broken, nil, quiet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))

	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "entries", fe.Blob)
	assert.Equal(t, -1, fe.Index)
}

func TestDecodeSkipsBadRecord(t *testing.T) {
	res, err := Encode("main", sampleEntries(t), quiet)
	require.NoError(t, err)

	broken := *res.Table
	broken.EntryData = append([]byte(nil), res.Table.EntryData...)
	// Point the tree entry (index 4) at a provider that does not exist.
	appendInt32(broken.EntryData[:4+4*entryRecordSize+4], 99)

	loc, err := Decode(&broken, DefaultRegistry(), quiet)
	require.NoError(t, err)
	assert.Equal(t, 2, loc.Skipped, "entry record plus its bucket reference")
	_, ok := loc.Locate(StringKey("hero"))
	assert.True(t, ok)
	tree, ok := loc.Locate(StringKey("tree"))
	assert.True(t, ok)
	assert.Empty(t, tree)
}

func TestMarshalCompressionRoundTrip(t *testing.T) {
	res, err := Encode("main", sampleEntries(t), quiet)
	require.NoError(t, err)

	var hashes []contenthash.Hash128
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			data, sum, err := Marshal(res.Table, c)
			require.NoError(t, err)
			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, res.Table, got)
			hashes = append(hashes, sum)
		})
	}
	require.Len(t, hashes, 3)
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])
}

type memWriter map[string][]byte

func (m memWriter) Write(_ context.Context, path string, data []byte) error {
	m[path] = append([]byte(nil), data...)
	return nil
}

func TestFileSinkWritesHashSidecar(t *testing.T) {
	out := memWriter{}
	sink := &FileSink{Out: out, Path: "catalog.json", Compression: CompressionZstd, Log: quiet}
	wr, err := sink.Accept(context.Background(), "main", sampleEntries(t))
	require.NoError(t, err)

	assert.Equal(t, 5, wr.Entries)
	assert.Equal(t, wr.Hash.String(), string(out["catalog.json.hash"]))

	table, err := Unmarshal(out["catalog.json"])
	require.NoError(t, err)
	_, err = Decode(table, DefaultRegistry(), quiet)
	require.NoError(t, err)

	ok, err := VerifyHash(out["catalog.json"], out["catalog.json.hash"])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyHash(out["catalog.json"], []byte(contenthash.Sum([]byte("stale")).String()))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyHash(out["catalog.json"], []byte("not a hash"))
	assert.Error(t, err)
}
