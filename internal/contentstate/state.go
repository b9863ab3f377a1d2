// Package contentstate holds the per-build snapshot of asset and bundle
// state that a later content update diffs against.
package contentstate

import (
	"encoding/json"
	"slices"

	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

// AssetState is a source asset's guid and content hash at build time.
type AssetState struct {
	GUID string              `json:"guid"`
	Hash contenthash.Hash128 `json:"hash"`
}

// CachedAssetState is the shipped state of one entry: its own asset state,
// the states of its dependencies in capture order, its group and the bundle
// file it resolved into.
type CachedAssetState struct {
	Asset        AssetState      `json:"asset"`
	Dependencies []AssetState    `json:"dependencies"`
	GroupGUID    string          `json:"groupGuid"`
	BundleFileID string          `json:"bundleFileId"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Equal compares asset state and the dependency states pairwise, in order.
func (c *CachedAssetState) Equal(other *CachedAssetState) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Asset == other.Asset && slices.Equal(c.Dependencies, other.Dependencies)
}

// CachedBundleState is what is needed to point a catalog entry at a bundle
// built by an earlier build.
type CachedBundleState struct {
	BundleFileID string                        `json:"bundleFileId"`
	Data         *catalog.BundleRequestOptions `json:"data"`
}

// ContentState is the persisted baseline of one build.
type ContentState struct {
	PlayerVersion         string             `json:"playerVersion"`
	EditorVersion         string             `json:"editorVersion"`
	CachedInfos           []CachedAssetState `json:"cachedInfos"`
	RemoteCatalogLoadPath string             `json:"remoteCatalogLoadPath"`
	// CachedBundles is nil in files written before bundle state was kept.
	CachedBundles []CachedBundleState `json:"cachedBundles"`
}

// InfoByGUID indexes cached infos by asset guid.
func (s *ContentState) InfoByGUID() map[string]*CachedAssetState {
	out := make(map[string]*CachedAssetState, len(s.CachedInfos))
	for i := range s.CachedInfos {
		out[s.CachedInfos[i].Asset.GUID] = &s.CachedInfos[i]
	}
	return out
}

// BundleByFileID indexes cached bundles by bundle file id.
func (s *ContentState) BundleByFileID() map[string]*CachedBundleState {
	out := make(map[string]*CachedBundleState, len(s.CachedBundles))
	for i := range s.CachedBundles {
		out[s.CachedBundles[i].BundleFileID] = &s.CachedBundles[i]
	}
	return out
}
