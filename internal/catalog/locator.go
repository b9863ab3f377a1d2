package catalog

import (
	"errors"
	"fmt"
	"log/slog"
)

// Location is a decoded entry. It holds a non-owning reference to the
// Locator that produced it so dependencies resolve lazily.
type Location struct {
	locator    *Locator
	index      int
	internalID string
	provider   string
	depKey     int
	data       any
}

// InternalID returns the load path or asset path.
func (l *Location) InternalID() string { return l.internalID }

// ProviderID returns the provider that loads this location.
func (l *Location) ProviderID() string { return l.provider }

// Data returns the decoded extra data, or nil.
func (l *Location) Data() any { return l.data }

// Index returns the entry record index in the table.
func (l *Location) Index() int { return l.index }

// DependencyKey returns the key naming this location's dependency set.
func (l *Location) DependencyKey() (Key, bool) {
	if l.depKey < 0 || l.depKey >= len(l.locator.keys) {
		return Key{}, false
	}
	k := l.locator.keys[l.depKey]
	return k, k.IsValid()
}

// Dependencies returns the direct dependency locations.
func (l *Location) Dependencies() []*Location {
	k, ok := l.DependencyKey()
	if !ok {
		return nil
	}
	locs, _ := l.locator.Locate(k)
	return locs
}

// AllDependencies returns the transitive dependency closure in depth-first
// order, each location once, excluding l itself.
func (l *Location) AllDependencies() []*Location {
	seen := map[*Location]bool{l: true}
	var out []*Location
	var walk func(*Location)
	walk = func(cur *Location) {
		for _, d := range cur.Dependencies() {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			walk(d)
		}
	}
	walk(l)
	return out
}

// Locator answers key lookups against a decoded table.
type Locator struct {
	ID        string
	keys      []Key
	buckets   map[Key][]*Location
	locations []*Location
	// Skipped counts records dropped as malformed during Decode.
	Skipped int
}

// Locate returns every location registered under key.
func (l *Locator) Locate(key Key) ([]*Location, bool) {
	locs, ok := l.buckets[key]
	return locs, ok
}

// Keys returns the valid keys in table order.
func (l *Locator) Keys() []Key {
	out := make([]Key, 0, len(l.keys))
	for _, k := range l.keys {
		if k.IsValid() {
			out = append(out, k)
		}
	}
	return out
}

// Locations returns all decoded locations in record order.
func (l *Locator) Locations() []*Location {
	out := make([]*Location, 0, len(l.locations))
	for _, loc := range l.locations {
		if loc != nil {
			out = append(out, loc)
		}
	}
	return out
}

// Decode reconstructs a Locator from t. Broken blob headers are fatal.
// Individual key, bucket and entry records that fail validation are logged
// and skipped. JSON-object payloads resolve through registry.
func Decode(t *Table, registry *Registry, log *slog.Logger) (*Locator, error) {
	if log == nil {
		log = slog.Default()
	}
	if t == nil {
		return nil, &FormatError{Blob: "table", Index: -1, Err: errors.New("nil table")}
	}
	keyCount, err := readInt32(t.KeyData, 0)
	if err != nil {
		return nil, &FormatError{Blob: "keys", Index: -1, Err: err}
	}
	bucketCount, err := readInt32(t.BucketData, 0)
	if err != nil {
		return nil, &FormatError{Blob: "buckets", Index: -1, Err: err}
	}
	if bucketCount != keyCount || bucketCount < 0 {
		return nil, &FormatError{Blob: "buckets", Index: -1,
			Err: fmt.Errorf("bucket count %d does not match key count %d", bucketCount, keyCount)}
	}
	entryCount, err := readInt32(t.EntryData, 0)
	if err != nil {
		return nil, &FormatError{Blob: "entries", Index: -1, Err: err}
	}
	if entryCount < 0 || 4+int(entryCount)*entryRecordSize > len(t.EntryData) {
		return nil, &FormatError{Blob: "entries", Index: -1,
			Err: fmt.Errorf("%d records: %w", entryCount, ErrTruncated)}
	}

	loc := &Locator{
		ID:      t.LocatorID,
		keys:    make([]Key, bucketCount),
		buckets: make(map[Key][]*Location, bucketCount),
	}
	skip := func(blob string, i int, err error) {
		loc.Skipped++
		log.Warn("skipping malformed catalog record", "error", &FormatError{Blob: blob, Index: i, Err: err})
	}

	// Bucket records are variable length, so walk them once for structure
	// before resolving entries.
	type bucket struct {
		entries []int32
	}
	bks := make([]bucket, bucketCount)
	p := 4
	for i := 0; i < int(bucketCount); i++ {
		keyOff, err := readInt32(t.BucketData, p)
		if err != nil {
			return nil, &FormatError{Blob: "buckets", Index: i, Err: err}
		}
		n, err := readInt32(t.BucketData, p+4)
		if err != nil {
			return nil, &FormatError{Blob: "buckets", Index: i, Err: err}
		}
		p += 8
		if n < 0 || p+int(n)*4 > len(t.BucketData) {
			return nil, &FormatError{Blob: "buckets", Index: i, Err: fmt.Errorf("%d entries: %w", n, ErrTruncated)}
		}
		bks[i].entries = make([]int32, n)
		for j := range bks[i].entries {
			bks[i].entries[j], _ = readInt32(t.BucketData, p)
			p += 4
		}

		v, err := readValue(t.KeyData, int(keyOff))
		if err != nil {
			skip("keys", i, err)
			continue
		}
		k, err := keyFromValue(v)
		if err != nil {
			skip("keys", i, err)
			continue
		}
		loc.keys[i] = k
	}

	loc.locations = make([]*Location, entryCount)
	for i := 0; i < int(entryCount); i++ {
		rec := 4 + i*entryRecordSize
		internal, _ := readInt32(t.EntryData, rec)
		provider, _ := readInt32(t.EntryData, rec+4)
		dep, _ := readInt32(t.EntryData, rec+8)
		extra, _ := readInt32(t.EntryData, rec+12)

		if internal < 0 || int(internal) >= len(t.InternalIDs) {
			skip("entries", i, fmt.Errorf("internal id index %d out of range", internal))
			continue
		}
		if provider < 0 || int(provider) >= len(t.ProviderIDs) {
			skip("entries", i, fmt.Errorf("provider index %d out of range", provider))
			continue
		}
		if dep < -1 || int(dep) >= int(bucketCount) {
			skip("entries", i, fmt.Errorf("dependency key index %d out of range", dep))
			dep = -1
		}
		l := &Location{
			locator:    loc,
			index:      i,
			internalID: t.InternalIDs[internal],
			provider:   t.ProviderIDs[provider],
			depKey:     int(dep),
		}
		if extra >= 0 {
			l.data = decodeExtra(t.ExtraData, int(extra), registry, func(err error) { skip("extra", i, err) })
		}
		loc.locations[i] = l
	}

	for i, b := range bks {
		k := loc.keys[i]
		if !k.IsValid() {
			continue
		}
		locs := make([]*Location, 0, len(b.entries))
		for _, ei := range b.entries {
			if ei < 0 || int(ei) >= len(loc.locations) || loc.locations[ei] == nil {
				skip("buckets", i, fmt.Errorf("entry index %d unusable", ei))
				continue
			}
			locs = append(locs, loc.locations[ei])
		}
		loc.buckets[k] = locs
	}
	return loc, nil
}

func decodeExtra(buf []byte, off int, registry *Registry, fail func(error)) any {
	v, err := readValue(buf, off)
	if err != nil {
		fail(err)
		return nil
	}
	raw, ok := v.(RawObject)
	if !ok {
		return v
	}
	obj, err := registry.Resolve(raw)
	if err != nil {
		fail(err)
		return raw
	}
	return obj
}
