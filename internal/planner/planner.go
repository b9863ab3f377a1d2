// Package planner computes which assets go into which bundle before the
// native content build runs.
package planner

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// BundleAssignment is one bundle definition handed to the native build.
// AssetNames, AddressableNames and AssetGUIDs are parallel.
type BundleAssignment struct {
	BundleName       string   `json:"bundleName"`
	AssetNames       []string `json:"assetNames"`
	AddressableNames []string `json:"addressableNames"`
	AssetGUIDs       []string `json:"assetGuids"`
	Variant          string   `json:"variant,omitempty"`
	GroupGUID        string   `json:"groupGuid"`
}

// Plan is the full assignment for one build.
type Plan struct {
	Assignments []BundleAssignment
	// BundleToGroup maps bundle name to the owning group guid.
	BundleToGroup map[string]string
	// AssetToBundle maps every planned asset guid to its bundle.
	AssetToBundle map[string]string
	// EntryBundles maps entry guid to the bundles its assets landed in.
	EntryBundles map[string][]string
	// AssetToEntry maps every planned asset guid to the entry that owns it.
	AssetToEntry map[string]string
}

func newPlan() *Plan {
	return &Plan{
		BundleToGroup: make(map[string]string),
		AssetToBundle: make(map[string]string),
		EntryBundles:  make(map[string][]string),
		AssetToEntry:  make(map[string]string),
	}
}

// Assignment returns the assignment for a bundle name.
func (p *Plan) Assignment(bundle string) (BundleAssignment, bool) {
	for _, a := range p.Assignments {
		if a.BundleName == bundle {
			return a, true
		}
	}
	return BundleAssignment{}, false
}

// ProgressFunc is called after each group with the number of groups done.
type ProgressFunc func(group string, done, total int)

// Options configures a Planner.
type Options struct {
	Progress ProgressFunc
	Logger   *slog.Logger
}

// Planner turns settings into bundle assignments.
type Planner struct {
	db       assetdb.Database
	progress ProgressFunc
	log      *slog.Logger
}

// New returns a planner reading asset paths and folders from db.
func New(db assetdb.Database, opts Options) *Planner {
	log := opts.Logger
	if log == nil {
		log = slog.With("component", "planner")
	}
	return &Planner{db: db, progress: opts.Progress, log: log}
}

// plannedAsset is one asset an entry expands to.
type plannedAsset struct {
	guid    string
	path    string
	address string
}

// Plan walks groups in settings order. Groups without a schema or excluded
// from the build are skipped; no qualifying group yields an empty plan.
// Cancelling ctx discards everything accumulated so far.
func (p *Planner) Plan(ctx context.Context, s *settings.Settings) (*Plan, error) {
	plan := newPlan()
	namer := NewNamer()

	var groups []*settings.Group
	for _, g := range s.Groups {
		if g.IncludedInBuild() {
			groups = append(groups, g)
		}
	}

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.planGroup(ctx, g, plan, namer); err != nil {
			return nil, err
		}
		if p.progress != nil {
			p.progress(g.Name, i+1, len(groups))
		}
	}

	p.log.Info("bundle plan computed",
		"groups", len(groups),
		"bundles", len(plan.Assignments),
		"assets", len(plan.AssetToBundle))
	return plan, nil
}

func (p *Planner) planGroup(ctx context.Context, g *settings.Group, plan *Plan, namer *Namer) error {
	type bucket struct {
		suffix  string
		entries []*settings.Entry
	}
	var buckets []*bucket

	switch g.Schema.Mode() {
	case settings.PackSeparately:
		for _, e := range g.Entries {
			buckets = append(buckets, &bucket{suffix: e.Address, entries: []*settings.Entry{e}})
		}
	case settings.PackTogetherByLabel:
		for _, c := range clusterByLabel(g.Entries) {
			buckets = append(buckets, &bucket{suffix: c.key(), entries: c.entries})
		}
	default:
		if len(g.Entries) > 0 {
			buckets = append(buckets, &bucket{suffix: "all", entries: g.Entries})
		}
	}

	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return err
		}
		var assets []plannedAsset
		var owners []*settings.Entry
		for _, e := range b.entries {
			for _, a := range p.expand(e) {
				if _, dup := plan.AssetToBundle[a.guid]; dup || containsGUID(assets, a.guid) {
					p.log.Debug("asset already planned", "guid", a.guid, "entry", e.Address)
					continue
				}
				assets = append(assets, a)
				owners = append(owners, e)
			}
		}
		if len(assets) == 0 {
			continue
		}
		name, err := namer.Unique(BundleName(g.Name, b.suffix))
		if err != nil {
			return err
		}
		a := BundleAssignment{BundleName: name, GroupGUID: g.GUID}
		for i, pa := range assets {
			a.AssetNames = append(a.AssetNames, pa.path)
			a.AddressableNames = append(a.AddressableNames, pa.address)
			a.AssetGUIDs = append(a.AssetGUIDs, pa.guid)
			plan.AssetToBundle[pa.guid] = name
			plan.AssetToEntry[pa.guid] = owners[i].GUID
			if eb := plan.EntryBundles[owners[i].GUID]; !slices.Contains(eb, name) {
				plan.EntryBundles[owners[i].GUID] = append(eb, name)
			}
		}
		plan.BundleToGroup[name] = g.GUID
		plan.Assignments = append(plan.Assignments, a)
	}
	return nil
}

func containsGUID(assets []plannedAsset, guid string) bool {
	for _, a := range assets {
		if a.guid == guid {
			return true
		}
	}
	return false
}

// expand flattens an entry into its assets. Folder entries yield their
// children addressed as folder address plus relative path.
func (p *Planner) expand(e *settings.Entry) []plannedAsset {
	path := e.Path
	if path == "" {
		var ok bool
		if path, ok = p.db.PathForGUID(e.GUID); !ok {
			p.log.Warn("entry has no asset path, skipping",
				"guid", e.GUID,
				"address", e.Address,
				"error", layout.ErrGraphInconsistency)
			return nil
		}
	}
	children, isFolder := p.db.FolderContents(path)
	if !isFolder {
		return []plannedAsset{{guid: e.GUID, path: path, address: e.Address}}
	}
	out := make([]plannedAsset, 0, len(children))
	for _, guid := range children {
		child, ok := p.db.PathForGUID(guid)
		if !ok {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(child, path), "/")
		out = append(out, plannedAsset{guid: guid, path: child, address: e.Address + "/" + rel})
	}
	return out
}

// labelCluster is a set of entries packed into one bundle by label.
type labelCluster struct {
	labels  map[string]bool
	entries []*settings.Entry
}

func (c *labelCluster) key() string {
	if len(c.labels) == 0 {
		return "nolabels"
	}
	keys := make([]string, 0, len(c.labels))
	for l := range c.labels {
		keys = append(keys, l)
	}
	sort.Strings(keys)
	return strings.Join(keys, "_")
}

func (c *labelCluster) joins(labels []string) bool {
	// Unlabeled entries only ever share a cluster with each other.
	if (len(c.labels) == 0) != (len(labels) == 0) {
		return false
	}
	if len(labels) == 0 {
		return true
	}
	for _, l := range labels {
		if c.labels[l] {
			return true
		}
	}
	return false
}

// clusterByLabel groups entries whose label sets intersect, transitively.
// Cluster order follows the first entry of each cluster.
func clusterByLabel(entries []*settings.Entry) []*labelCluster {
	var clusters []*labelCluster
	for _, e := range entries {
		var hits []int
		for i, c := range clusters {
			if c.joins(e.Labels) {
				hits = append(hits, i)
			}
		}
		if len(hits) == 0 {
			c := &labelCluster{labels: make(map[string]bool), entries: []*settings.Entry{e}}
			for _, l := range e.Labels {
				c.labels[l] = true
			}
			clusters = append(clusters, c)
			continue
		}
		target := clusters[hits[0]]
		for _, l := range e.Labels {
			target.labels[l] = true
		}
		target.entries = append(target.entries, e)
		// Fold later clusters bridged by this entry into the first hit.
		for j := len(hits) - 1; j >= 1; j-- {
			other := clusters[hits[j]]
			for l := range other.labels {
				target.labels[l] = true
			}
			target.entries = append(target.entries, other.entries...)
			clusters = slices.Delete(clusters, hits[j], hits[j]+1)
		}
	}
	order := make(map[*settings.Entry]int, len(entries))
	for i, e := range entries {
		order[e] = i
	}
	for _, c := range clusters {
		slices.SortFunc(c.entries, func(a, b *settings.Entry) int { return order[a] - order[b] })
	}
	return clusters
}
