package catalog

import (
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// Table is the compact serialized form of a catalog. Byte buffers hold
// little-endian int32 records; see Encode for the layout.
type Table struct {
	LocatorID       string   `json:"locatorId"`
	BuildResultHash string   `json:"buildResultHash,omitempty"`
	ProviderIDs     []string `json:"providerIds"`
	InternalIDs     []string `json:"internalIds"`
	KeyData         []byte   `json:"keyData"`
	BucketData      []byte   `json:"bucketData"`
	EntryData       []byte   `json:"entryData"`
	ExtraData       []byte   `json:"extraData"`
}

const entryRecordSize = 16

// EncodeResult carries the table plus what the encoder did to get there.
type EncodeResult struct {
	Table  *Table
	Intern InternStats
	// DroppedData lists internal ids whose Data had no wire form.
	DroppedData []string
}

// Encode builds a Table from entries. The input slice is not modified:
// entries are cloned before dependency interning.
//
// Layout:
//
//	keys:    count, then one tagged value per key
//	buckets: count, then per key [keyOffset][entryCount][entryIndex...]
//	entries: count, then per entry [internalIdIdx][providerIdx][depKeyIdx|-1][extraOffset|-1]
//	extra:   tagged values addressed by entry records
func Encode(locatorID string, entries []*Entry, log *slog.Logger) (*EncodeResult, error) {
	if log == nil {
		log = slog.Default()
	}
	work := CloneEntries(entries)
	res := &EncodeResult{Intern: InternDependencies(work, log)}

	t := &Table{LocatorID: locatorID}
	providerIdx := make(map[string]int32)
	internalIdx := make(map[string]int32)
	intern := func(m map[string]int32, list *[]string, s string) int32 {
		if i, ok := m[s]; ok {
			return i
		}
		i := int32(len(*list))
		m[s] = i
		*list = append(*list, s)
		return i
	}

	keyIdx := make(map[Key]int32)
	var keys []Key
	var buckets [][]int32
	indexOf := func(k Key) int32 {
		if i, ok := keyIdx[k]; ok {
			return i
		}
		i := int32(len(keys))
		keyIdx[k] = i
		keys = append(keys, k)
		buckets = append(buckets, nil)
		return i
	}
	for i, e := range work {
		for _, k := range e.Keys {
			ki := indexOf(k)
			b := buckets[ki]
			if n := len(b); n == 0 || b[n-1] != int32(i) {
				buckets[ki] = append(b, int32(i))
			}
		}
	}
	for _, e := range work {
		for _, d := range e.Dependencies {
			indexOf(d)
		}
	}

	offsets := make([]int32, len(keys))
	t.KeyData = appendInt32(nil, int32(len(keys)))
	for i, k := range keys {
		if !k.IsValid() {
			return nil, fmt.Errorf("key %d: invalid key", i)
		}
		offsets[i] = int32(len(t.KeyData))
		var err error
		if t.KeyData, err = appendValue(t.KeyData, k.Value()); err != nil {
			return nil, fmt.Errorf("encode key %q: %w", k.String(), err)
		}
	}

	t.BucketData = appendInt32(nil, int32(len(keys)))
	for i := range keys {
		t.BucketData = appendInt32(t.BucketData, offsets[i])
		t.BucketData = appendInt32(t.BucketData, int32(len(buckets[i])))
		for _, ei := range buckets[i] {
			t.BucketData = appendInt32(t.BucketData, ei)
		}
	}

	t.EntryData = make([]byte, 0, 4+len(work)*entryRecordSize)
	t.EntryData = appendInt32(t.EntryData, int32(len(work)))
	for _, e := range work {
		if !utf8.ValidString(e.InternalID) || !utf8.ValidString(e.Provider) {
			return nil, fmt.Errorf("entry %q: ids must be valid UTF-8: %w", e.InternalID, ErrUnsupportedValue)
		}
		dep := int32(-1)
		if len(e.Dependencies) > 0 {
			dep = keyIdx[e.Dependencies[0]]
		}
		extra := int32(-1)
		if e.Data != nil {
			off := len(t.ExtraData)
			buf, err := appendValue(t.ExtraData, e.Data)
			if err != nil {
				log.Warn("entry data not serializable, dropping",
					"internal_id", e.InternalID,
					"type", fmt.Sprintf("%T", e.Data),
					"error", err)
				res.DroppedData = append(res.DroppedData, e.InternalID)
			} else {
				t.ExtraData = buf
				extra = int32(off)
			}
		}
		t.EntryData = appendInt32(t.EntryData, intern(internalIdx, &t.InternalIDs, e.InternalID))
		t.EntryData = appendInt32(t.EntryData, intern(providerIdx, &t.ProviderIDs, e.Provider))
		t.EntryData = appendInt32(t.EntryData, dep)
		t.EntryData = appendInt32(t.EntryData, extra)
	}

	log.Debug("encoded catalog table",
		"entries", len(work),
		"keys", len(keys),
		"providers", len(t.ProviderIDs),
		"dependency_sets", res.Intern.Sets)
	res.Table = t
	return res, nil
}
