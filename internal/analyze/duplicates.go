package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// IsolationGroupName names the group duplicates are moved into.
const IsolationGroupName = "Duplicate Asset Isolation"

var excludedExtensions = []string{".cs", ".js", ".boo", ".exe", ".dll", ".meta", ".preset", ".asmdef"}

// excludedPath reports whether an asset can never be addressable content:
// anything under a Resources or Editor folder, and script or plugin files.
func excludedPath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "Resources" || seg == "Editor" {
			return true
		}
	}
	return slices.Contains(excludedExtensions, strings.ToLower(path.Ext(p)))
}

// Duplicate is one implicit asset found in one bundle of one group.
type Duplicate struct {
	Group     string
	Bundle    string
	AssetPath string
	GUID      string
}

// DuplicateReport is the outcome of FindDuplicates.
type DuplicateReport struct {
	Records []Duplicate
	// GUIDs holds every duplicated asset, sorted.
	GUIDs []string
}

// View picks how report results are nested.
type View int

const (
	// GroupView nests group, bundle, asset.
	GroupView View = iota
	// AssetView nests asset, group, bundle.
	AssetView
)

// Results renders the report. An empty report yields the NoIssues sentinel.
func (r *DuplicateReport) Results(v View) []Result {
	if r == nil || len(r.Records) == 0 {
		return NoIssues()
	}
	out := make([]Result, 0, len(r.Records))
	for _, d := range r.Records {
		p := []string{d.Group, d.Bundle, d.AssetPath}
		if v == AssetView {
			p = []string{d.AssetPath, d.Group, d.Bundle}
		}
		out = append(out, Result{Path: p, Severity: SeverityWarning})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return slices.Compare(out[i].Path, out[j].Path) < 0
	})
	return out
}

// FindDuplicates reports implicit assets pulled into more than one bundle.
// Explicit assets, excluded paths and assets whose bundles collapse to one
// name after group-name substitution are not reported. Records name bundles
// by their planned spelling. Records are unique
// per group, bundle and asset.
func FindDuplicates(ctx context.Context, graph layout.Graph, plan *planner.Plan, s *settings.Settings, db assetdb.Database, log *slog.Logger) (*DuplicateReport, error) {
	if log == nil {
		log = slog.With("component", "analyze")
	}

	implicit := make(map[string][]string)
	for _, file := range graph.Files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, obj := range graph.ObjectsInFile(file) {
			if graph.IsExplicit(obj.GUID) {
				continue
			}
			if files := implicit[obj.GUID]; !slices.Contains(files, file) {
				implicit[obj.GUID] = append(files, file)
			}
		}
	}

	guids := make([]string, 0, len(implicit))
	for g := range implicit {
		guids = append(guids, g)
	}
	sort.Strings(guids)

	names := newBundleNames(plan, s)
	report := &DuplicateReport{}
	type recordKey struct{ group, bundle, guid string }
	seen := make(map[recordKey]bool)

	for _, guid := range guids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		assetPath, ok := db.PathForGUID(guid)
		if !ok {
			log.Debug("implicit object has no asset path", "guid", guid)
			continue
		}
		if excludedPath(assetPath) {
			continue
		}

		var normalized []string
		for _, file := range implicit[guid] {
			bundle, ok := graph.BundleForFile(file)
			if !ok {
				log.Warn("file has no bundle", "file", file, "error", layout.ErrGraphInconsistency)
				continue
			}
			n, _ := names.resolve(bundle)
			if !slices.Contains(normalized, n) {
				normalized = append(normalized, n)
			}
		}
		if len(normalized) < 2 {
			continue
		}

		report.GUIDs = append(report.GUIDs, guid)
		for _, file := range implicit[guid] {
			bundle, ok := graph.BundleForFile(file)
			if !ok {
				continue
			}
			bundle, g := names.resolve(bundle)
			groupName := ""
			if g != nil {
				groupName = g.Name
			}
			k := recordKey{groupName, bundle, guid}
			if seen[k] {
				continue
			}
			seen[k] = true
			report.Records = append(report.Records, Duplicate{
				Group:     groupName,
				Bundle:    bundle,
				AssetPath: assetPath,
				GUID:      guid,
			})
		}
	}

	log.Info("duplicate dependency scan complete",
		"files", len(graph.Files()),
		"implicit_assets", len(implicit),
		"duplicated_assets", len(report.GUIDs))
	return report, nil
}

// bundleNames maps the spellings a build may use for a bundle onto the
// planned name. Native builds can name the group segment after the group
// guid where the planner uses the group name.
type bundleNames struct {
	plan   *planner.Plan
	s      *settings.Settings
	byGUID map[string]*settings.Group
}

func newBundleNames(plan *planner.Plan, s *settings.Settings) *bundleNames {
	n := &bundleNames{plan: plan, s: s, byGUID: make(map[string]*settings.Group)}
	if s != nil {
		for _, g := range s.Groups {
			if g.GUID != "" {
				n.byGUID[planner.GroupSegment(g.GUID)] = g
			}
		}
	}
	return n
}

// resolve returns the planned spelling of bundle and its owning group.
// Unknown bundles come back unchanged with a nil group.
func (n *bundleNames) resolve(bundle string) (string, *settings.Group) {
	if n.plan != nil {
		if guid, ok := n.plan.BundleToGroup[bundle]; ok {
			return bundle, n.s.GroupByGUID(guid)
		}
	}
	seg, rest, ok := strings.Cut(bundle, planner.AssetsInfix)
	if !ok {
		return bundle, nil
	}
	g := n.byGUID[planner.GroupSegment(seg)]
	if g == nil {
		return bundle, nil
	}
	return planner.GroupSegment(g.Name) + planner.AssetsInfix + rest, g
}

// Isolate moves every duplicated asset into the isolation group, creating
// it as a static, pack-together group when missing. Assets owned by a
// read-only group cannot move and stop the fix with a policy violation.
func Isolate(s *settings.Settings, db assetdb.Database, guids []string) (*settings.Group, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	target := s.FindGroup(IsolationGroupName)
	if target == nil {
		var err error
		target, err = s.CreateGroup(IsolationGroupName, &settings.Schema{
			PackingMode:   settings.PackTogether,
			StaticContent: true,
			BuildPath:     "[LocalBuildPath]",
			LoadPath:      "[LocalLoadPath]",
		})
		if err != nil {
			return nil, err
		}
	}
	for _, guid := range guids {
		p, _ := db.PathForGUID(guid)
		if _, err := s.CreateOrMoveEntry(guid, p, target); err != nil {
			if errors.Is(err, settings.ErrReadOnlyGroup) {
				from := ""
				if e := s.FindEntry(guid); e != nil && e.Group() != nil {
					from = e.Group().Name
				}
				return nil, &settings.PolicyViolationError{
					Entry:  guid,
					Group:  from,
					Reason: "duplicated asset cannot move to " + IsolationGroupName,
					Err:    err,
				}
			}
			return nil, fmt.Errorf("isolate %s: %w", guid, err)
		}
	}
	return target, nil
}
