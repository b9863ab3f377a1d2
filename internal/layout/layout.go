// Package layout exposes the output of the native content build as a
// queryable graph: which files hold which assets and objects, and which
// bundle each file was written to.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/tidwall/jsonc"
)

// ErrGraphInconsistency marks a reference the build graph cannot resolve.
// Callers log it and skip the offending item.
var ErrGraphInconsistency = errors.New("build graph inconsistency")

// ObjectID identifies one serialized object inside an asset.
type ObjectID struct {
	GUID    string `json:"guid"`
	LocalID int64  `json:"localId"`
}

// Graph is the read-only query surface over a native build result.
type Graph interface {
	// FilesForAsset returns the files an explicit asset was written to.
	FilesForAsset(guid string) []string
	// ObjectsInFile returns every object serialized into a file.
	ObjectsInFile(file string) []ObjectID
	// BundleForFile returns the bundle a file belongs to.
	BundleForFile(file string) (string, bool)
	// Files returns every file id, sorted.
	Files() []string
	// IsExplicit reports whether guid was assigned to a bundle directly.
	IsExplicit(guid string) bool
}

// BundleDetails describes one bundle written by the native build.
type BundleDetails struct {
	FileName     string   `json:"fileName"`
	Hash         string   `json:"hash"`
	Crc          uint32   `json:"crc"`
	Size         int64    `json:"size"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Layout is the native build report.
type Layout struct {
	AssetToFiles  map[string][]string      `json:"assetToFiles"`
	FileToObjects map[string][]ObjectID    `json:"fileToObjects"`
	FileToBundle  map[string]string        `json:"fileToBundle"`
	Bundles       map[string]BundleDetails `json:"bundles"`
}

// New returns an empty layout ready for population.
func New() *Layout {
	return &Layout{
		AssetToFiles:  make(map[string][]string),
		FileToObjects: make(map[string][]ObjectID),
		FileToBundle:  make(map[string]string),
		Bundles:       make(map[string]BundleDetails),
	}
}

// ReadReport loads a build report. Comments and trailing commas are allowed.
func ReadReport(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build report: %w", err)
	}
	return ParseReport(data)
}

// ParseReport decodes a JSONC build report.
func ParseReport(data []byte) (*Layout, error) {
	l := New()
	if err := json.Unmarshal(jsonc.ToJSON(data), l); err != nil {
		return nil, fmt.Errorf("parse build report: %w", err)
	}
	return l, nil
}

// FilesForAsset returns the files an explicit asset was written to.
func (l *Layout) FilesForAsset(guid string) []string { return l.AssetToFiles[guid] }

// ObjectsInFile returns every object serialized into file.
func (l *Layout) ObjectsInFile(file string) []ObjectID { return l.FileToObjects[file] }

// BundleForFile returns the bundle file belongs to.
func (l *Layout) BundleForFile(file string) (string, bool) {
	b, ok := l.FileToBundle[file]
	return b, ok
}

// Files returns every file holding objects, sorted.
func (l *Layout) Files() []string {
	out := make([]string, 0, len(l.FileToObjects))
	for f := range l.FileToObjects {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// IsExplicit reports whether guid was assigned to a bundle directly.
func (l *Layout) IsExplicit(guid string) bool {
	_, ok := l.AssetToFiles[guid]
	return ok
}

// BundleForAsset resolves an explicit asset to the bundle of its first file.
func (l *Layout) BundleForAsset(guid string) (string, error) {
	files := l.AssetToFiles[guid]
	if len(files) == 0 {
		return "", fmt.Errorf("%w: asset %s has no build output", ErrGraphInconsistency, guid)
	}
	b, ok := l.FileToBundle[files[0]]
	if !ok {
		return "", fmt.Errorf("%w: file %s has no bundle", ErrGraphInconsistency, files[0])
	}
	return b, nil
}

// BundlesForAsset returns the distinct bundles holding an asset's files and
// the bundles those depend on, in first-seen order.
func (l *Layout) BundlesForAsset(guid string) []string {
	var out []string
	add := func(b string) {
		if !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	for _, f := range l.AssetToFiles[guid] {
		if b, ok := l.FileToBundle[f]; ok {
			add(b)
		}
	}
	for i := 0; i < len(out); i++ {
		for _, dep := range l.Bundles[out[i]].Dependencies {
			add(dep)
		}
	}
	return out
}

// Check returns every dangling reference in the layout, sorted for stable
// output. It never fails the build by itself.
func (l *Layout) Check() []error {
	var errs []error
	for guid, files := range l.AssetToFiles {
		for _, f := range files {
			if _, ok := l.FileToBundle[f]; !ok {
				errs = append(errs, fmt.Errorf("%w: asset %s file %s has no bundle", ErrGraphInconsistency, guid, f))
			}
		}
	}
	for f, b := range l.FileToBundle {
		if _, ok := l.Bundles[b]; !ok && len(l.Bundles) > 0 {
			errs = append(errs, fmt.Errorf("%w: file %s maps to unknown bundle %s", ErrGraphInconsistency, f, b))
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errs
}
