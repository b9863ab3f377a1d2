// Package analyze runs checks over a planned build: duplicated implicit
// dependencies, resources duplicated into bundles, and a layout preview.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// Severity ranks a result.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// PathSeparator joins result path segments for display.
const PathSeparator = ":"

// NoIssuesFound is the text of the single result returned by a clean run.
const NoIssuesFound = "No issues found"

// Result is one finding. Path is hierarchical, outermost first.
type Result struct {
	Path     []string
	Severity Severity
}

func (r Result) String() string { return strings.Join(r.Path, PathSeparator) }

// NoIssues returns the sentinel result for an empty report.
func NoIssues() []Result {
	return []Result{{Path: []string{NoIssuesFound}}}
}

// IsNoIssues reports whether results is the clean-run sentinel.
func IsNoIssues(results []Result) bool {
	return len(results) == 1 && len(results[0].Path) == 1 && results[0].Path[0] == NoIssuesFound
}

// GraphBuilder runs the native build for a plan. Analysis only needs the
// resulting graph; nothing it produces is shipped.
type GraphBuilder interface {
	BuildGraph(ctx context.Context, plan *planner.Plan) (*layout.Layout, error)
}

// Input is what every rule analyzes. Rules may modify Settings in Fix.
type Input struct {
	Settings *settings.Settings
	DB       assetdb.Database
	Builder  GraphBuilder
	Logger   *slog.Logger
}

func (in *Input) logger() *slog.Logger {
	if in.Logger == nil {
		return slog.With("component", "analyze")
	}
	return in.Logger
}

// prepare plans and builds the graph rules work from.
func (in *Input) prepare(ctx context.Context) (*planner.Plan, *layout.Layout, error) {
	plan, err := planner.New(in.DB, planner.Options{Logger: in.logger()}).Plan(ctx, in.Settings)
	if err != nil {
		return nil, nil, fmt.Errorf("plan bundles: %w", err)
	}
	graph, err := in.Builder.BuildGraph(ctx, plan)
	if err != nil {
		return nil, nil, fmt.Errorf("build graph: %w", err)
	}
	for _, e := range graph.Check() {
		in.logger().Warn("build graph reference unresolved", "error", e)
	}
	return plan, graph, nil
}

// Rule is one analysis check. Refresh computes and caches results; Fix
// acts on the cached results, refreshing first when there are none.
type Rule interface {
	ID() string
	Name() string
	CanFix() bool
	Refresh(ctx context.Context, in *Input) ([]Result, error)
	Fix(ctx context.Context, in *Input) error
	Clear()
}

// ErrUnknownRule is returned by Registry.New for an unregistered id.
var ErrUnknownRule = errors.New("unknown analyze rule")

// Registry maps stable rule ids to factories.
type Registry struct {
	ids       []string
	factories map[string]func() Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Rule)}
}

// DefaultRegistry holds the built-in rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(RuleBundleDuplicates, func() Rule { return &BundleDuplicatesRule{} })
	r.Register(RuleResourcesDuplicates, func() Rule { return &ResourcesDuplicatesRule{} })
	r.Register(RuleLayoutPreview, func() Rule { return &LayoutPreviewRule{} })
	return r
}

// Register adds a factory. Registering an id twice replaces the factory
// and keeps its original position.
func (r *Registry) Register(id string, factory func() Rule) {
	if _, ok := r.factories[id]; !ok {
		r.ids = append(r.ids, id)
	}
	r.factories[id] = factory
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string { return slices.Clone(r.ids) }

// New instantiates a rule.
func (r *Registry) New(id string) (Rule, error) {
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, id)
	}
	return f(), nil
}
