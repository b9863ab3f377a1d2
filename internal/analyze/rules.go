package analyze

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/planner"
)

// Built-in rule ids.
const (
	RuleBundleDuplicates    = "check-bundle-dupe-dependencies"
	RuleResourcesDuplicates = "check-resources-dupe-dependencies"
	RuleLayoutPreview       = "bundle-layout-preview"
)

// BundleDuplicatesRule finds implicit assets duplicated across bundles and
// fixes them by moving the assets into the isolation group.
type BundleDuplicatesRule struct {
	report *DuplicateReport
	// View selects the result nesting. The zero value is GroupView.
	View View
}

func (r *BundleDuplicatesRule) ID() string   { return RuleBundleDuplicates }
func (r *BundleDuplicatesRule) Name() string { return "Check Duplicate Bundle Dependencies" }
func (r *BundleDuplicatesRule) CanFix() bool { return true }

// Report returns the last computed report.
func (r *BundleDuplicatesRule) Report() *DuplicateReport { return r.report }

func (r *BundleDuplicatesRule) Refresh(ctx context.Context, in *Input) ([]Result, error) {
	r.Clear()
	plan, graph, err := in.prepare(ctx)
	if err != nil {
		return nil, err
	}
	report, err := FindDuplicates(ctx, graph, plan, in.Settings, in.DB, in.logger())
	if err != nil {
		return nil, err
	}
	r.report = report
	return report.Results(r.View), nil
}

func (r *BundleDuplicatesRule) Fix(ctx context.Context, in *Input) error {
	if r.report == nil {
		if _, err := r.Refresh(ctx, in); err != nil {
			return err
		}
	}
	g, err := Isolate(in.Settings, in.DB, r.report.GUIDs)
	if err != nil {
		return err
	}
	if g != nil {
		in.logger().Info("moved duplicated assets", "group", g.Name, "count", len(r.report.GUIDs))
	}
	r.Clear()
	return nil
}

func (r *BundleDuplicatesRule) Clear() { r.report = nil }

// ResourcesDuplicatesRule reports assets under Resources folders that are
// also serialized into bundles, so they ship twice.
type ResourcesDuplicatesRule struct {
	results []Result
}

func (r *ResourcesDuplicatesRule) ID() string   { return RuleResourcesDuplicates }
func (r *ResourcesDuplicatesRule) Name() string { return "Check Resources to Addressable Duplicate Dependencies" }
func (r *ResourcesDuplicatesRule) CanFix() bool { return false }

func (r *ResourcesDuplicatesRule) Refresh(ctx context.Context, in *Input) ([]Result, error) {
	r.Clear()
	_, graph, err := in.prepare(ctx)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, file := range graph.Files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bundle, _ := graph.BundleForFile(file)
		var seen []string
		for _, obj := range graph.ObjectsInFile(file) {
			p, ok := in.DB.PathForGUID(obj.GUID)
			if !ok || !inResources(p) || slices.Contains(seen, obj.GUID) {
				continue
			}
			seen = append(seen, obj.GUID)
			out = append(out, Result{Path: []string{p, bundle}, Severity: SeverityWarning})
		}
	}
	if len(out) == 0 {
		out = NoIssues()
	}
	r.results = out
	return out, nil
}

func inResources(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "Resources" {
			return true
		}
	}
	return false
}

func (r *ResourcesDuplicatesRule) Fix(context.Context, *Input) error { return nil }
func (r *ResourcesDuplicatesRule) Clear()                            { r.results = nil }

// LayoutPreviewRule lists every planned bundle with its explicit assets and
// the implicit assets the build pulled in.
type LayoutPreviewRule struct {
	results []Result
}

func (r *LayoutPreviewRule) ID() string   { return RuleLayoutPreview }
func (r *LayoutPreviewRule) Name() string { return "Bundle Layout Preview" }
func (r *LayoutPreviewRule) CanFix() bool { return false }

func (r *LayoutPreviewRule) Refresh(ctx context.Context, in *Input) ([]Result, error) {
	r.Clear()
	plan, graph, err := in.prepare(ctx)
	if err != nil {
		return nil, err
	}
	out := Preview(plan, graph, in)
	if len(out) == 0 {
		out = NoIssues()
	}
	r.results = out
	return out, nil
}

// Preview builds the layout results from a plan and its graph.
func Preview(plan *planner.Plan, graph layout.Graph, in *Input) []Result {
	implicit := make(map[string][]string)
	for _, file := range graph.Files() {
		bundle, ok := graph.BundleForFile(file)
		if !ok {
			continue
		}
		for _, obj := range graph.ObjectsInFile(file) {
			if graph.IsExplicit(obj.GUID) {
				continue
			}
			p, ok := in.DB.PathForGUID(obj.GUID)
			if !ok || slices.Contains(implicit[bundle], p) {
				continue
			}
			implicit[bundle] = append(implicit[bundle], p)
		}
	}

	var out []Result
	for _, a := range plan.Assignments {
		for _, asset := range a.AssetNames {
			out = append(out, Result{Path: []string{a.BundleName, "Explicit", asset}})
		}
		paths := implicit[a.BundleName]
		sort.Strings(paths)
		for _, p := range paths {
			out = append(out, Result{Path: []string{a.BundleName, "Implicit", p}})
		}
	}
	return out
}

func (r *LayoutPreviewRule) Fix(context.Context, *Input) error { return nil }
func (r *LayoutPreviewRule) Clear()                            { r.results = nil }
