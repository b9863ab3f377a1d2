package build

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/logging"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// ReportBuilder uses a build report written by an external native build.
// Bundle files are expected to already be in the build output.
type ReportBuilder struct {
	settings *settings.Settings
	path     string
	log      *slog.Logger
}

// NewReportBuilder reads the report at path on every build.
func NewReportBuilder(s *settings.Settings, path string, log *slog.Logger) *ReportBuilder {
	if log == nil {
		log = logging.Component("report_build")
	}
	return &ReportBuilder{settings: s, path: path, log: log}
}

// BuildGraph loads the report.
func (r *ReportBuilder) BuildGraph(_ context.Context, _ *planner.Plan) (*layout.Layout, error) {
	return layout.ReadReport(r.path)
}

// Build loads the report and describes every planned bundle it covers.
func (r *ReportBuilder) Build(ctx context.Context, plan *planner.Plan) (*Output, error) {
	l, err := r.BuildGraph(ctx, plan)
	if err != nil {
		return nil, err
	}
	for _, e := range l.Check() {
		r.log.Warn("build report reference unresolved", "error", e)
	}

	files := make(map[string]string, len(l.FileToBundle))
	for f, name := range l.FileToBundle {
		files[name] = f
	}

	out := &Output{Layout: l}
	for _, a := range plan.Assignments {
		d, ok := l.Bundles[a.BundleName]
		if !ok {
			return nil, fmt.Errorf("%w: planned bundle %s missing from build report",
				layout.ErrGraphInconsistency, a.BundleName)
		}
		g := r.settings.GroupByGUID(a.GroupGUID)
		if g == nil {
			return nil, fmt.Errorf("%w: bundle %s belongs to unknown group %s",
				layout.ErrGraphInconsistency, a.BundleName, a.GroupGUID)
		}
		fileName := d.FileName
		if fileName == "" {
			fileName = a.BundleName
		}
		var hash contenthash.Hash128
		if d.Hash != "" {
			if hash, err = contenthash.Parse(d.Hash); err != nil {
				return nil, fmt.Errorf("bundle %s: %w", a.BundleName, err)
			}
		}
		bundle := &BuiltBundle{
			Name:         a.BundleName,
			FileName:     fileName,
			GroupGUID:    a.GroupGUID,
			FileID:       files[a.BundleName],
			Hash:         hash,
			Crc:          d.Crc,
			Size:         d.Size,
			Objects:      l.FileToObjects[files[a.BundleName]],
			Explicit:     append([]string(nil), a.AssetGUIDs...),
			Dependencies: d.Dependencies,
			BuildPath:    joinPath(r.settings.BuildPath(g), fileName),
			LoadPath:     joinPath(r.settings.LoadPath(g), fileName),
		}
		out.Bundles = append(out.Bundles, bundle)
		out.Paths = append(out.Paths, bundle.BuildPath)
	}
	r.log.Info("build report loaded", "path", r.path, "bundles", len(out.Bundles))
	return out, nil
}
