package contentupdate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/contentstate"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
)

// Files is the build output the reverter checks and prunes.
// storage.BundleStore satisfies it.
type Files interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Registry is the set of files a build produced.
// storage.FileRegistry satisfies it.
type Registry interface {
	Replace(oldPath, newPath string) error
	Remove(path string)
}

// Build is the freshly built state a content update is applied to.
type Build struct {
	Settings *settings.Settings
	Graph    *layout.Layout
	Plan     *planner.Plan
	// Catalog holds the entries about to be encoded. Bundle entries are
	// rewritten in place by Apply.
	Catalog []*catalog.Entry
}

// RevertOperation reverts one entry's bundle to the previously shipped one.
type RevertOperation struct {
	PreviousState     *contentstate.CachedAssetState
	Entry             *settings.Entry
	BundleName        string
	BundleEntry       *catalog.Entry
	CurrentBuildPath  string
	PreviousBuildPath string
}

// RevertPlan is the outcome of Run.
type RevertPlan struct {
	Operations []*RevertOperation
	// Decisions holds the state of every examined entry by guid.
	Decisions map[string]Decision

	bundleStates map[string]*contentstate.CachedBundleState
}

// Counts tallies terminal decisions.
func (p *RevertPlan) Counts() map[Decision]int {
	out := make(map[Decision]int)
	for _, d := range p.Decisions {
		out[d.Terminal()]++
	}
	return out
}

// ApplyFailure is an operation that could not complete.
type ApplyFailure struct {
	Entry string
	Path  string
	Err   error
}

// ApplyResult summarizes Apply.
type ApplyResult struct {
	// Reverted lists entry guids now served from their previous bundle.
	Reverted []string
	// CarriedOver lists previous bundle file ids reverted because another
	// reverted entry depends on them.
	CarriedOver []string
	Failures    []ApplyFailure
}

// Reverter runs the revert decision and applies it.
type Reverter struct {
	engine *Engine
	files  Files
	log    *slog.Logger
}

// NewReverter returns a reverter pruning replaced bundles from files.
func NewReverter(engine *Engine, files Files) *Reverter {
	return &Reverter{
		engine: engine,
		files:  files,
		log:    engine.log.With("stage", "revert"),
	}
}

// bundleEntries indexes bundle catalog entries by bundle name.
func bundleEntries(entries []*catalog.Entry) map[string]*catalog.Entry {
	out := make(map[string]*catalog.Entry)
	for _, e := range entries {
		if e.Provider != catalog.AssetBundleProvider {
			continue
		}
		if k := e.PrimaryKey(); k.Kind() == catalog.KindString {
			out[k.String()] = e
		}
	}
	return out
}

func bundleFor(b *Build, guid string) (string, error) {
	name, err := b.Graph.BundleForAsset(guid)
	if err == nil {
		return name, nil
	}
	if b.Plan != nil {
		if names := b.Plan.EntryBundles[guid]; len(names) > 0 {
			return names[0], nil
		}
	}
	return "", err
}

// toBuildPath converts a load-path based file id into the build output
// path by swapping the root.
func toBuildPath(fileID, loadRoot, buildRoot string) string {
	if loadRoot == "" || !strings.HasPrefix(fileID, loadRoot) {
		return fileID
	}
	return buildRoot + fileID[len(loadRoot):]
}

// Run examines every entry of every group with a bundle schema and returns
// the operations needed to reuse previously shipped bundles. Each entry is
// stamped with its freshly built bundle file id whatever the outcome.
func (r *Reverter) Run(ctx context.Context, b *Build, baseline *contentstate.ContentState) (*RevertPlan, error) {
	if baseline == nil {
		return nil, contentstate.ErrNoContentState
	}
	if baseline.CachedBundles == nil {
		r.log.Warn("content state has no cached bundles; updated static bundles may not be cacheable on clients")
	}

	plan := &RevertPlan{
		Decisions:    make(map[string]Decision),
		bundleStates: baseline.BundleByFileID(),
	}
	infos := baseline.InfoByGUID()
	bundles := bundleEntries(b.Catalog)
	byBundle := make(map[string][]string)
	current := make(map[string]string)

	for _, g := range b.Settings.Groups {
		if !g.HasBundleSchema() {
			continue
		}
		loadRoot := b.Settings.LoadPath(g)
		buildRoot := b.Settings.BuildPath(g)

		for _, entry := range g.Entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			plan.Decisions[entry.GUID] = Unexamined

			name, err := bundleFor(b, entry.GUID)
			bundle := bundles[name]
			if err != nil || bundle == nil {
				if err == nil {
					err = fmt.Errorf("%w: bundle %s has no catalog entry", layout.ErrGraphInconsistency, name)
				}
				r.log.Warn("entry has no build output, skipping", "guid", entry.GUID, "error", err)
				plan.Decisions[entry.GUID] = NoBuildOutput
				continue
			}
			newID := bundle.InternalID
			entry.BundleFileID = newID
			current[entry.GUID] = newID
			byBundle[name] = append(byBundle[name], entry.GUID)

			prev, ok := infos[entry.GUID]
			switch {
			case !ok:
				plan.Decisions[entry.GUID] = NoBaseline
				continue
			case prev.GroupGUID != g.GUID:
				plan.Decisions[entry.GUID] = GroupChanged
				continue
			case !g.IsStatic() && r.engine.HasChanged(prev):
				plan.Decisions[entry.GUID] = HashChangedDynamic
				continue
			}
			plan.Decisions[entry.GUID] = BaselineMatchCandidate

			if prev.BundleFileID == newID {
				plan.Decisions[entry.GUID] = AlreadyMatching
				continue
			}

			op := &RevertOperation{
				PreviousState:     prev,
				Entry:             entry,
				BundleName:        name,
				BundleEntry:       bundle,
				CurrentBuildPath:  toBuildPath(newID, loadRoot, buildRoot),
				PreviousBuildPath: toBuildPath(prev.BundleFileID, loadRoot, buildRoot),
			}
			exists, err := r.files.Exists(ctx, op.PreviousBuildPath)
			if err != nil || !exists {
				r.log.Warn("previous bundle not found in build output; it can still be loaded by shipped players",
					"guid", entry.GUID,
					"path", op.PreviousBuildPath,
					"error", err)
			}
			plan.Decisions[entry.GUID] = MustRevert
			plan.Operations = append(plan.Operations, op)
		}
	}

	// Demoting an entry can split a bundle or strand a dependent, so
	// repeat until every remaining operation is consistent.
	for {
		diverged := r.demoteDiverged(plan, byBundle)
		stranded := r.demoteDependents(plan, infos, current)
		if !diverged && !stranded {
			break
		}
	}
	counts := plan.Counts()
	r.log.Info("revert decisions computed",
		"operations", len(plan.Operations),
		"not_reverted", counts[NotReverted],
		"no_action_needed", counts[NoActionNeeded])
	return plan, nil
}

// demoteDiverged cancels reverts for bundles whose entries do not all
// revert to the same previous bundle. Reverting such a bundle would drop
// content that only exists in the new file.
func (r *Reverter) demoteDiverged(plan *RevertPlan, byBundle map[string][]string) bool {
	target := make(map[string]string)
	for _, op := range plan.Operations {
		target[op.Entry.GUID] = op.PreviousState.BundleFileID
	}
	bad := make(map[string]bool)
	for name, guids := range byBundle {
		first := ""
		for _, guid := range guids {
			prevID, ok := target[guid]
			if !ok || (first != "" && prevID != first) {
				bad[name] = true
				break
			}
			first = prevID
		}
	}
	kept := plan.Operations[:0]
	for _, op := range plan.Operations {
		if bad[op.BundleName] {
			plan.Decisions[op.Entry.GUID] = BundleDiverged
			r.log.Warn("bundle mixes reverted and rebuilt entries, keeping new build",
				"guid", op.Entry.GUID, "bundle", op.BundleName)
			continue
		}
		kept = append(kept, op)
	}
	changed := len(kept) != len(plan.Operations)
	plan.Operations = kept
	return changed
}

// demoteDependents cancels reverts of entries whose previously shipped
// dependencies will not be served from their shipped bundles. A reverted
// entry must only ever depend on the graph it shipped with.
func (r *Reverter) demoteDependents(plan *RevertPlan, infos map[string]*contentstate.CachedAssetState, current map[string]string) bool {
	reverting := make(map[string]bool, len(plan.Operations))
	for _, op := range plan.Operations {
		reverting[op.Entry.GUID] = true
	}
	kept := plan.Operations[:0]
	for _, op := range plan.Operations {
		if dep, ok := divergedDependency(op, infos, current, reverting); ok {
			plan.Decisions[op.Entry.GUID] = DependencyDiverged
			r.log.Warn("dependency keeps its new bundle, keeping new build",
				"guid", op.Entry.GUID, "dependency", dep)
			continue
		}
		kept = append(kept, op)
	}
	changed := len(kept) != len(plan.Operations)
	plan.Operations = kept
	return changed
}

// divergedDependency returns the first dependency entry of op that neither
// reverts nor already resolves to the bundle it shipped in. Dependencies
// without a baseline entry travel inside a bundle and need no check.
func divergedDependency(op *RevertOperation, infos map[string]*contentstate.CachedAssetState, current map[string]string, reverting map[string]bool) (string, bool) {
	for _, dep := range op.PreviousState.Dependencies {
		if dep.GUID == op.Entry.GUID || reverting[dep.GUID] {
			continue
		}
		prev, ok := infos[dep.GUID]
		if !ok || prev.BundleFileID == "" {
			continue
		}
		if current[dep.GUID] != prev.BundleFileID {
			return dep.GUID, true
		}
	}
	return "", false
}

// Apply swaps each operation's bundle back to the previous file, deletes the
// fresh file and repoints the bundle's catalog entry. Dependencies are
// applied before their dependents; an entry whose dependency failed to
// revert keeps its new bundle. Each previous bundle is processed once.
func (r *Reverter) Apply(ctx context.Context, plan *RevertPlan, reg Registry) *ApplyResult {
	res := &ApplyResult{}
	byGUID := make(map[string]*RevertOperation, len(plan.Operations))
	for _, op := range plan.Operations {
		byGUID[op.Entry.GUID] = op
	}
	done := make(map[*RevertOperation]bool)
	swapped := make(map[string]bool)

	var apply func(op *RevertOperation)
	apply = func(op *RevertOperation) {
		if done[op] {
			return
		}
		done[op] = true
		guid := op.Entry.GUID
		prevID := op.PreviousState.BundleFileID

		for _, dep := range op.PreviousState.Dependencies {
			depOp, ok := byGUID[dep.GUID]
			if !ok || depOp == op {
				continue
			}
			apply(depOp)
			if plan.Decisions[dep.GUID] == NotReverted {
				err := fmt.Errorf("dependency %s was not reverted", dep.GUID)
				r.log.Warn("cannot revert entry", "guid", guid, "error", err)
				res.Failures = append(res.Failures, ApplyFailure{Entry: guid, Path: op.PreviousBuildPath, Err: err})
				plan.Decisions[guid] = NotReverted
				return
			}
		}

		switch {
		case !swapped[prevID]:
			if err := reg.Replace(op.CurrentBuildPath, op.PreviousBuildPath); err != nil {
				r.log.Warn("cannot swap bundle in file registry", "guid", guid, "error", err)
				res.Failures = append(res.Failures, ApplyFailure{Entry: guid, Path: op.PreviousBuildPath, Err: err})
				plan.Decisions[guid] = NotReverted
				return
			}
			r.prune(ctx, op, res)
			r.repoint(op.BundleEntry, prevID, plan)
			swapped[prevID] = true
		case op.BundleEntry.InternalID != prevID:
			// The previous bundle was split across several new ones.
			reg.Remove(op.CurrentBuildPath)
			r.prune(ctx, op, res)
			r.repoint(op.BundleEntry, prevID, plan)
		}

		plan.Decisions[guid] = Reverted
		res.Reverted = append(res.Reverted, guid)
	}

	for _, op := range plan.Operations {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, ApplyFailure{Entry: op.Entry.GUID, Err: err})
			break
		}
		apply(op)
	}
	res.CarriedOver = carriedOver(plan, byGUID)
	r.log.Info("content update applied",
		"reverted", len(res.Reverted),
		"carried_over", len(res.CarriedOver),
		"failures", len(res.Failures))
	return res
}

// carriedOver lists the previous bundles of reverted entries that another
// reverted entry in a different bundle depends on, sorted.
func carriedOver(plan *RevertPlan, byGUID map[string]*RevertOperation) []string {
	seen := make(map[string]bool)
	var out []string
	for guid, op := range byGUID {
		if plan.Decisions[guid] != Reverted {
			continue
		}
		for _, dep := range op.PreviousState.Dependencies {
			depOp, ok := byGUID[dep.GUID]
			if !ok || plan.Decisions[dep.GUID] != Reverted {
				continue
			}
			id := depOp.PreviousState.BundleFileID
			if id == op.PreviousState.BundleFileID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Reverter) prune(ctx context.Context, op *RevertOperation, res *ApplyResult) {
	if err := r.files.Delete(ctx, op.CurrentBuildPath); err != nil {
		r.log.Warn("cannot delete replaced bundle, file may be locked", "path", op.CurrentBuildPath, "error", err)
		res.Failures = append(res.Failures, ApplyFailure{Entry: op.Entry.GUID, Path: op.CurrentBuildPath, Err: err})
	}
}

func (r *Reverter) repoint(e *catalog.Entry, prevID string, plan *RevertPlan) {
	e.InternalID = prevID
	if st, ok := plan.bundleStates[prevID]; ok && st.Data != nil {
		data := *st.Data
		e.Data = &data
		return
	}
	r.log.Warn("no cached bundle state, keeping new bundle request data", "bundle", prevID)
}

