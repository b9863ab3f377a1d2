package catalog

import (
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
)

const (
	depSetSeed uint32 = 17
	depSetSalt uint32 = 31
)

// InternStats summarizes one interning pass.
type InternStats struct {
	Sets       int // distinct dependency sets given a synthetic key
	Rewritten  int // entries whose dependencies were replaced
	Collisions int // distinct sets that hashed to the same value
	Unresolved int // dependency keys with no entry to carry the synthetic key
}

// stableKeyHash is a process-independent hash of a key's wire encoding.
func stableKeyHash(k Key) uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(k.kind)})
	enc, err := appendValue(nil, k.Value())
	if err != nil {
		h.Write([]byte(k.String()))
	} else {
		h.Write(enc)
	}
	return h.Sum32()
}

// DependencySetHash returns the order-independent hash of a set of keys.
// Repeated keys are counted once.
func DependencySetHash(keys []Key) int32 {
	h := depSetSeed
	for _, k := range distinctKeys(keys) {
		h += depSetSalt * stableKeyHash(k)
	}
	return int32(h)
}

func distinctKeys(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func canonicalSet(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.kind.String() + ":" + k.String()
	}
	slices.Sort(out)
	return out
}

// InternDependencies replaces every dependency list of two or more keys
// with a single synthetic Int32Key naming the set. The synthetic key is
// added to the first entry carrying each member key, so locating it yields
// all members. Entries sharing a set share its key. Entries are modified
// in place; callers that need the originals should clone first.
func InternDependencies(entries []*Entry, log *slog.Logger) InternStats {
	if log == nil {
		log = slog.Default()
	}
	var stats InternStats

	first := make(map[Key]*Entry)
	for _, e := range entries {
		for _, k := range e.Keys {
			if _, ok := first[k]; !ok {
				first[k] = e
			}
		}
	}

	sets := make(map[int32][]string)
	for _, e := range entries {
		deps := distinctKeys(e.Dependencies)
		if len(deps) < 2 {
			e.Dependencies = deps
			continue
		}
		h := DependencySetHash(deps)
		synthetic := Int32Key(h)
		canon := canonicalSet(deps)

		if existing, ok := sets[h]; ok {
			if !slices.Equal(existing, canon) {
				stats.Collisions++
				log.Warn("dependency set hash collision",
					"hash", h,
					"existing", strings.Join(existing, ","),
					"incoming", strings.Join(canon, ","))
			}
		} else {
			sets[h] = canon
			stats.Sets++
			for _, d := range deps {
				member, ok := first[d]
				if !ok {
					stats.Unresolved++
					log.Debug("dependency key has no location", "key", d.String())
					continue
				}
				member.AddKey(synthetic)
			}
		}
		e.Dependencies = []Key{synthetic}
		stats.Rewritten++
	}
	return stats
}
