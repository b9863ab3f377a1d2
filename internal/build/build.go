package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/withObsrvr/content-catalog/internal/analyze"
	"github.com/withObsrvr/content-catalog/internal/audit"
	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/contentstate"
	"github.com/withObsrvr/content-catalog/internal/contentupdate"
	"github.com/withObsrvr/content-catalog/internal/metadata"
	"github.com/withObsrvr/content-catalog/internal/metrics"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/storage"
)

// Result is the outcome of a full build or a content update.
type Result struct {
	SessionID string
	Mode      Mode
	Plan      *planner.Plan
	Output    *Output
	Entries   []*catalog.Entry
	Catalog   *catalog.WriteResult
	// Registry holds the build path of every bundle the catalog references.
	Registry *storage.FileRegistry
	// State is the baseline captured by a full build.
	State *contentstate.ContentState

	// Content update only.
	Modified []contentupdate.ModifiedEntry
	Revert   *contentupdate.RevertPlan
	Applied  *contentupdate.ApplyResult
	// Reverted holds the bundle names served from a previous build.
	Reverted map[string]bool
}

// BuildContent runs a full build.
//
// The order of operations must not be changed:
//  1. Plan bundles
//  2. Build bundles (temp -> finalize, plan order)
//  3. Validate the build against the plan
//  4. Assemble catalog entries and stamp entries with their bundle
//  5. Write the catalog and its hash
//  6. Save the content state baseline
//  7. Record history and emit the audit event (must be last - references
//     the published catalog)
func (s *Session) BuildContent(ctx context.Context) (res *Result, err error) {
	defer func() { s.finish(res, err) }()
	s.log.Info("starting full build", "player_version", s.settings.PlayerVersion)

	plan, out, err := s.produce(ctx)
	if err != nil {
		return nil, err
	}
	res = &Result{
		SessionID: s.ID,
		Mode:      s.Mode,
		Plan:      plan,
		Output:    out,
		Registry:  storage.NewFileRegistry(out.Paths...),
		Reverted:  map[string]bool{},
	}
	res.Entries = assembleCatalog(s.settings, plan, out, s.log)
	stampEntries(s.settings, plan, out)

	if res.Catalog, err = s.writeCatalog(ctx, res.Entries); err != nil {
		return nil, err
	}

	engine := contentupdate.NewEngine(s.db, s.log)
	res.State = engine.CaptureState(s.settings, res.Entries, s.cfg.Project.EditorVersion)
	if err := s.stage("save_state", func() error { return s.state.Save(ctx, res.State) }); err != nil {
		return nil, err
	}

	if err := s.publish(ctx, res); err != nil {
		return nil, err
	}
	s.log.Info("full build finished",
		"bundles", len(out.Bundles),
		"entries", res.Catalog.Entries,
		"catalog", res.Catalog.Path,
		"hash", res.Catalog.Hash.String())
	return res, nil
}

// BuildUpdate builds new content against the shipped baseline and reuses
// previously shipped bundles wherever content is unchanged or static.
// The baseline is left as it is.
func (s *Session) BuildUpdate(ctx context.Context) (res *Result, err error) {
	defer func() { s.finish(res, err) }()

	baseline, err := s.state.Load(ctx)
	if err != nil {
		if errors.Is(err, contentstate.ErrNoContentState) {
			return nil, fmt.Errorf("content update needs a baseline from a full build: %w", err)
		}
		return nil, fmt.Errorf("load content state: %w", err)
	}
	if baseline.PlayerVersion != s.settings.PlayerVersion {
		s.log.Info("using player version of the baseline",
			"baseline", baseline.PlayerVersion,
			"settings", s.settings.PlayerVersion)
		s.settings.PlayerVersion = baseline.PlayerVersion
	}
	s.log.Info("starting content update", "player_version", s.settings.PlayerVersion)

	engine := contentupdate.NewEngine(s.db, s.log)
	modified := engine.GatherModifiedEntries(s.settings, baseline)
	if err := engine.CheckRestrictions(modified, s.cfg.Update.FailOnModifiedStatic); err != nil {
		return nil, err
	}
	if s.cfg.Update.MoveModifiedStatic && len(modified) > 0 {
		template := modified[0].Entry.Group().Schema
		g, err := contentupdate.MoveToUpdateGroup(s.settings, modified, template)
		if err != nil {
			return nil, err
		}
		s.log.Info("moved modified static entries", "group", g.Name, "entries", len(modified))
	}

	plan, out, err := s.produce(ctx)
	if err != nil {
		return nil, err
	}
	res = &Result{
		SessionID: s.ID,
		Mode:      s.Mode,
		Plan:      plan,
		Output:    out,
		Registry:  storage.NewFileRegistry(out.Paths...),
		Modified:  modified,
		Reverted:  map[string]bool{},
	}
	res.Entries = assembleCatalog(s.settings, plan, out, s.log)

	reverter := contentupdate.NewReverter(engine, s.store)
	err = s.stage("revert", func() (err error) {
		res.Revert, err = reverter.Run(ctx, &contentupdate.Build{
			Settings: s.settings,
			Graph:    out.Layout,
			Plan:     plan,
			Catalog:  res.Entries,
		}, baseline)
		if err != nil {
			return err
		}
		res.Applied = reverter.Apply(ctx, res.Revert, res.Registry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, op := range res.Revert.Operations {
		if res.Revert.Decisions[op.Entry.GUID] == contentupdate.Reverted {
			res.Reverted[op.BundleName] = true
		}
	}
	if m := metrics.Get(); m != nil {
		for d, n := range res.Revert.Counts() {
			m.AddRevertDecision(d.String(), n)
		}
		m.AddRevertFailures(len(res.Applied.Failures))
	}

	if res.Catalog, err = s.writeCatalog(ctx, res.Entries); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, res); err != nil {
		return nil, err
	}
	s.log.Info("content update finished",
		"modified_static", len(modified),
		"reverted", len(res.Applied.Reverted),
		"failures", len(res.Applied.Failures),
		"catalog", res.Catalog.Path)
	return res, nil
}

// CatalogPath returns where the catalog is written: the configured path,
// or catalog_<player version>.json under the remote catalog build path.
func (s *Session) CatalogPath() string {
	if s.cfg.Catalog.Path != "" {
		return s.cfg.Catalog.Path
	}
	root := s.settings.Profile.Evaluate(s.settings.RemoteCatalogBuildPath)
	return joinPath(root, "catalog_"+s.settings.PlayerVersion+".json")
}

func (s *Session) writeCatalog(ctx context.Context, entries []*catalog.Entry) (*catalog.WriteResult, error) {
	batch := storage.NewBatch(s.store)
	sink := &catalog.FileSink{
		Out:         batch,
		Path:        s.CatalogPath(),
		Compression: catalog.Compression(s.cfg.Catalog.Compression),
		Log:         s.log,
	}
	var wr *catalog.WriteResult
	err := s.stage("catalog", func() (err error) {
		if wr, err = sink.Accept(ctx, s.cfg.Catalog.LocatorID, entries); err != nil {
			return err
		}
		return batch.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	if m := metrics.Get(); m != nil {
		m.SetCatalog(wr.Entries, wr.Size, wr.Intern.Sets)
	}
	return wr, nil
}

// publish records history and emits the audit event. Failures are logged
// unless the matching strict flag is set.
func (s *Session) publish(ctx context.Context, res *Result) error {
	if err := s.recordHistory(ctx, res, nil); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncHistoryErrors()
		}
		if s.cfg.History.Strict {
			return fmt.Errorf("record build history: %w", err)
		}
		s.log.Warn("failed to record build history", "error", err)
	}

	if err := s.audit.Emit(ctx, s.buildEvent(res)); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncAuditErrors()
		}
		if s.cfg.Audit.Strict {
			return fmt.Errorf("emit audit event: %w", err)
		}
		s.log.Warn("failed to emit audit event", "error", err)
	}
	return nil
}

func (s *Session) recordHistory(ctx context.Context, res *Result, runErr error) error {
	projectID, err := s.history.EnsureProject(ctx, metadata.ProjectInfo{
		Name:          s.cfg.Project.Name,
		BuildTarget:   s.settings.BuildTarget,
		PlayerVersion: s.settings.PlayerVersion,
	})
	if err != nil {
		return fmt.Errorf("ensure project: %w", err)
	}
	if projectID == 0 {
		return nil // no history configured
	}

	rec := metadata.BuildRecord{
		ProjectID:   projectID,
		SessionID:   s.ID,
		Mode:        string(s.Mode),
		Passed:      runErr == nil,
		CatalogPath: s.CatalogPath(),
		StartedAt:   s.StartedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if runErr != nil {
		rec.ErrorMessage = runErr.Error()
	}
	if prev, err := s.history.LastBuild(ctx, projectID); err != nil {
		s.log.Warn("failed to get last build", "error", err)
	} else if prev != nil {
		rec.PrevHash = prev.CatalogHash
	}
	if res != nil {
		if res.Catalog != nil {
			rec.CatalogHash = res.Catalog.Hash.String()
			rec.EntryCount = res.Catalog.Entries
		}
		if res.Output != nil {
			rec.BundleCount = len(res.Output.Bundles)
		}
		rec.Reverted = len(res.Reverted)
	}

	buildID, err := s.history.RecordBuild(ctx, rec)
	if err != nil || res == nil {
		return err
	}
	return s.history.RecordBundles(ctx, buildID, bundleRecords(res))
}

// bundleRecords lists the bundle entries of the catalog, after reverts.
func bundleRecords(res *Result) []metadata.BundleRecord {
	var out []metadata.BundleRecord
	for _, e := range res.Entries {
		if e.Provider != catalog.AssetBundleProvider {
			continue
		}
		name := e.PrimaryKey().String()
		rec := metadata.BundleRecord{
			BundleName: name,
			FileID:     e.InternalID,
			GroupGUID:  res.Plan.BundleToGroup[name],
			Reverted:   res.Reverted[name],
		}
		if opts, ok := e.Data.(*catalog.BundleRequestOptions); ok {
			rec.Hash = opts.Hash
			rec.Crc = opts.Crc
			rec.Size = opts.BundleSize
		}
		out = append(out, rec)
	}
	return out
}

func (s *Session) buildEvent(res *Result) *audit.BuildEvent {
	eventType := audit.EventFullBuild
	if s.Mode == ModeUpdate {
		eventType = audit.EventContentUpdate
	}
	evt := &audit.BuildEvent{
		EventType: eventType,
		Build: audit.BuildInfo{
			Project:       s.cfg.Project.Name,
			BuildTarget:   s.settings.BuildTarget,
			PlayerVersion: s.settings.PlayerVersion,
			SessionID:     s.ID,
		},
		Catalog: audit.CatalogInfo{
			Path:    res.Catalog.Path,
			Hash:    res.Catalog.Hash.String(),
			Entries: res.Catalog.Entries,
			Size:    res.Catalog.Size,
		},
		Bundles: make(map[string]audit.BundleInfo),
		Producer: audit.ProducerInfo{
			Name:    "catalogctl",
			Version: Version,
			GitSHA:  GitSHA,
		},
	}
	for _, r := range bundleRecords(res) {
		evt.Bundles[r.BundleName] = audit.BundleInfo{
			FileID:   r.FileID,
			Hash:     r.Hash,
			Size:     r.Size,
			Reverted: r.Reverted,
		}
	}
	return evt
}

// finish counts the build and, on failure, records it in history.
func (s *Session) finish(res *Result, err error) {
	result := "success"
	if err != nil {
		result = "failed"
		s.log.Error("build failed", "error", err)
		if herr := s.recordHistory(context.Background(), nil, err); herr != nil {
			s.log.Warn("failed to record failed build", "error", herr)
		}
	}
	if m := metrics.Get(); m != nil {
		m.IncBuild(string(s.Mode), result)
	}
}

// AnalysisResult is the outcome of Analyze.
type AnalysisResult struct {
	SessionID string
	// Rules lists the rule ids run, in order.
	Rules   []string
	Names   map[string]string
	Results map[string][]analyze.Result
	// Duplicates is the bundle duplicate report when that rule ran.
	Duplicates *analyze.DuplicateReport
	// Fixed lists the rules whose fix was applied.
	Fixed []string
}

// Analyze runs the given rules, or every registered rule when ids is
// empty. With fix set, fixable rules modify the session settings; the
// caller decides whether to save them.
func (s *Session) Analyze(ctx context.Context, ids []string, fix bool) (*AnalysisResult, error) {
	registry := analyze.DefaultRegistry()
	if len(ids) == 0 {
		ids = registry.IDs()
	}
	in := &analyze.Input{Settings: s.settings, DB: s.db, Builder: s.builder, Logger: s.log}
	res := &AnalysisResult{
		SessionID: s.ID,
		Names:     make(map[string]string),
		Results:   make(map[string][]analyze.Result),
	}

	for _, id := range ids {
		rule, err := registry.New(id)
		if err != nil {
			return nil, err
		}
		err = s.stage("analyze_"+id, func() error {
			results, err := rule.Refresh(ctx, in)
			if err != nil {
				return err
			}
			if fix && rule.CanFix() {
				if err := rule.Fix(ctx, in); err != nil {
					return err
				}
				res.Fixed = append(res.Fixed, id)
			}
			res.Results[id] = results
			return nil
		})
		if err != nil {
			return nil, err
		}
		res.Rules = append(res.Rules, id)
		res.Names[id] = rule.Name()
		if d, ok := rule.(*analyze.BundleDuplicatesRule); ok {
			res.Duplicates = d.Report()
		}

		n := len(res.Results[id])
		if analyze.IsNoIssues(res.Results[id]) {
			n = 0
		}
		if m := metrics.Get(); m != nil {
			m.SetAnalysisResults(id, n)
		}
		s.log.Info("analysis rule finished", "rule", id, "results", n)
	}
	sort.Strings(res.Fixed)
	return res, nil
}
