// Package audit emits a tamper-evident trail of finished builds. Each event
// carries the hash of the previous event for the same project and target.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

const (
	// SchemaVersion is the version of the event layout.
	SchemaVersion = "1.0"

	EventFullBuild     = "full_build"
	EventContentUpdate = "content_update"
)

// BuildEvent describes one published catalog.
type BuildEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Build    BuildInfo             `json:"build"`
	Catalog  CatalogInfo           `json:"catalog"`
	Bundles  map[string]BundleInfo `json:"bundles"`
	Producer ProducerInfo          `json:"producer"`
	Chain    ChainInfo             `json:"chain"`
}

// BuildInfo identifies the build.
type BuildInfo struct {
	Project       string `json:"project"`
	BuildTarget   string `json:"build_target"`
	PlayerVersion string `json:"player_version"`
	SessionID     string `json:"session_id"`
}

// CatalogInfo describes the catalog file the build wrote.
type CatalogInfo struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Entries int    `json:"entries"`
	Size    int    `json:"size"`
}

// BundleInfo describes one bundle referenced by the catalog.
type BundleInfo struct {
	FileID   string `json:"file_id"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Reverted bool   `json:"reverted,omitempty"`
}

// ProducerInfo identifies the software that produced the build.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links events into a hash chain.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to.
func (b BuildInfo) ChainKey() string {
	return b.Project + "/" + b.BuildTarget
}

// ComputeEventHash hashes the JSON form of evt with the event hash field
// cleared. Map keys are marshaled sorted so the result is stable.
func ComputeEventHash(evt *BuildEvent) string {
	cp := *evt
	cp.Chain.EventHash = ""
	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	return "blake3:" + contenthash.Sum(canonical).String()
}

// SetChainHashes links evt after prevHash and computes its own hash.
func (e *BuildEvent) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// VerifyChain checks that events link in order and that every stored
// hash matches its content. It returns the index of the first bad event,
// or -1.
func VerifyChain(events []*BuildEvent) int {
	prev := ""
	for i, evt := range events {
		if evt.Chain.PrevEventHash != prev || ComputeEventHash(evt) != evt.Chain.EventHash {
			return i
		}
		prev = evt.Chain.EventHash
	}
	return -1
}

// GenerateEventID returns a unique event id.
func GenerateEventID() string {
	return "build_evt_" + uuid.NewString()
}
