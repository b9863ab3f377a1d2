package build

import (
	"time"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/planner"
)

// BundleTask is a unit of work for one bundle.
// Index provides plan ordering for the sequencer.
type BundleTask struct {
	Assignment planner.BundleAssignment
	Index      int
	Attempt    int // retry count
	MaxRetry   int // max retries before failure
}

// BuiltBundle is one serialized bundle before publishing.
// Workers produce these; the sequencer consumes them.
type BuiltBundle struct {
	Name         string // bundle name from the plan
	FileName     string // name with the content hash appended
	GroupGUID    string
	FileID       string // id of the single file inside the bundle
	Data         []byte
	Hash         contenthash.Hash128
	Crc          uint32
	Size         int64
	Objects      []layout.ObjectID
	Explicit     []string // asset guids assigned to the bundle
	Dependencies []string // bundles this one references, first-seen order
	BuildPath    string   // canonical key in the store
	LoadPath     string   // runtime location written to the catalog
	TempKey      string   // backend temp key after upload
	BuildID      string
	BuiltAt      time.Time
}

// BundleResult is returned from workers to the sequencer.
type BundleResult struct {
	Task   BundleTask
	Bundle *BuiltBundle
	Err    error
}

// Output is the result of a native build.
type Output struct {
	Layout  *layout.Layout
	Bundles []*BuiltBundle // plan order
	// Paths lists the build path of every bundle written.
	Paths []string
}

// Bundle returns a built bundle by plan name.
func (o *Output) Bundle(name string) *BuiltBundle {
	for _, b := range o.Bundles {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// ContentHash folds the bundle hashes in plan order. Two builds of the same
// content produce the same value.
func (o *Output) ContentHash() contenthash.Hash128 {
	hashes := make([]contenthash.Hash128, len(o.Bundles))
	for i, b := range o.Bundles {
		hashes[i] = b.Hash
	}
	return contenthash.Combine(hashes...)
}
