package build

import (
	"log/slog"

	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// assembleCatalog turns a build into catalog entries: one per bundle,
// then one per planned asset in plan order.
func assembleCatalog(s *settings.Settings, plan *planner.Plan, out *Output, log *slog.Logger) []*catalog.Entry {
	var entries []*catalog.Entry
	for _, b := range out.Bundles {
		g := s.GroupByGUID(b.GroupGUID)
		opts := &catalog.BundleRequestOptions{
			Hash:       b.Hash.String(),
			Crc:        b.Crc,
			BundleName: b.Name,
			BundleSize: b.Size,
		}
		if g != nil && g.Schema != nil {
			opts.UseCrcForCachedBundle = g.Schema.UseCrcForCachedBundle
		}
		e := catalog.NewEntry(b.LoadPath, catalog.AssetBundleProvider, catalog.StringKey(b.Name))
		e.Data = opts
		entries = append(entries, e)
	}

	for _, a := range plan.Assignments {
		for i, guid := range a.AssetGUIDs {
			e := catalog.NewEntry(a.AssetNames[i], catalog.BundledAssetProvider,
				catalog.StringKey(a.AddressableNames[i]),
				catalog.StringKey(guid))
			if owner := s.FindEntry(plan.AssetToEntry[guid]); owner != nil {
				for _, l := range owner.Labels {
					e.AddKey(catalog.StringKey(l))
				}
			}
			bundles := out.Layout.BundlesForAsset(guid)
			if len(bundles) == 0 {
				log.Warn("asset has no build output, catalog entry has no bundle", "guid", guid, "bundle", a.BundleName)
			}
			for _, name := range bundles {
				e.AddDependency(catalog.StringKey(name))
			}
			entries = append(entries, e)
		}
	}
	return entries
}

// stampEntries records on each settings entry the file id of the bundle its
// first asset landed in.
func stampEntries(s *settings.Settings, plan *planner.Plan, out *Output) {
	for _, e := range s.AllEntries() {
		e.BundleFileID = ""
		names := plan.EntryBundles[e.GUID]
		if len(names) == 0 {
			continue
		}
		if b := out.Bundle(names[0]); b != nil {
			e.BundleFileID = b.LoadPath
		}
	}
}
