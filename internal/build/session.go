// Package build runs one build session: a full content build, a content
// update against a shipped baseline, or an analysis pass.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/content-catalog/internal/analyze"
	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/audit"
	"github.com/withObsrvr/content-catalog/internal/config"
	"github.com/withObsrvr/content-catalog/internal/contentstate"
	"github.com/withObsrvr/content-catalog/internal/logging"
	"github.com/withObsrvr/content-catalog/internal/metadata"
	"github.com/withObsrvr/content-catalog/internal/metrics"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
	"github.com/withObsrvr/content-catalog/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Mode is the kind of build a session runs.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeUpdate  Mode = "update"
	ModeAnalyze Mode = "analyze"
)

// ContentBuilder produces bundles for a plan.
type ContentBuilder interface {
	analyze.GraphBuilder
	Build(ctx context.Context, plan *planner.Plan) (*Output, error)
}

// Deps are the collaborators of a session. Nil fields are created from
// the configuration.
type Deps struct {
	Settings *settings.Settings
	DB       assetdb.Database
	Store    storage.AtomicStore
	State    contentstate.Manager
	History  metadata.Writer
	Audit    audit.Emitter
	Builder  ContentBuilder
}

// Session is one build invocation. It is not safe for concurrent use.
type Session struct {
	ID        string
	Mode      Mode
	StartedAt time.Time

	cfg      config.Config
	settings *settings.Settings
	db       assetdb.Database
	store    storage.AtomicStore
	state    contentstate.Manager
	history  metadata.Writer
	audit    audit.Emitter
	builder  ContentBuilder
	log      *slog.Logger
}

// NewSession wires a session. Settings and DB are required; Store is
// required for full builds and updates.
func NewSession(cfg config.Config, mode Mode, deps Deps) (*Session, error) {
	if deps.Settings == nil || deps.DB == nil {
		return nil, errors.New("settings and asset database are required")
	}
	if cfg.Project.BuildTarget != "" {
		deps.Settings.BuildTarget = cfg.Project.BuildTarget
	}

	id := uuid.New().String()
	s := &Session{
		ID:        id,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		cfg:       cfg,
		settings:  deps.Settings,
		db:        deps.DB,
		store:     deps.Store,
		state:     deps.State,
		history:   deps.History,
		audit:     deps.Audit,
		builder:   deps.Builder,
		log:       logging.SessionLogger(id, string(mode), deps.Settings.BuildTarget),
	}

	if s.state == nil {
		stateCfg := contentstate.Config{
			Enabled: cfg.State.Enabled || mode == ModeUpdate,
			Path:    cfg.State.Path,
			Format:  contentstate.Format(cfg.State.Format),
		}
		mgr, err := contentstate.NewManager(stateCfg)
		if err != nil {
			return nil, fmt.Errorf("content state: %w", err)
		}
		s.state = mgr
	}
	if s.history == nil {
		w, err := metadata.NewWriter(metadata.Config{PostgresDSN: cfg.History.PostgresDSN, Strict: cfg.History.Strict})
		if err != nil {
			if cfg.History.Strict {
				return nil, fmt.Errorf("build history: %w", err)
			}
			s.log.Warn("build history unavailable, continuing without it", "error", err)
			w = metadata.NoopWriter{}
		}
		s.history = w
	}
	if s.audit == nil {
		s.audit = audit.NewEmitter(audit.Config{
			Enabled:   cfg.Audit.Enabled,
			Endpoint:  cfg.Audit.Endpoint,
			BackupDir: cfg.Audit.BackupDir,
			Strict:    cfg.Audit.Strict,
		})
	}
	if s.builder == nil {
		if cfg.Project.Report != "" {
			s.builder = NewReportBuilder(s.settings, cfg.Project.Report, s.log)
		} else {
			s.builder = NewNativeBuilder(s.settings, s.db, NativeOptions{
				Store:          s.store,
				Backend:        cfg.Storage.Backend,
				Mode:           string(mode),
				Workers:        cfg.Perf.Workers,
				QueueSize:      cfg.Perf.QueueSize,
				RetryAttempts:  cfg.Perf.RetryAttempts,
				RetryBackoffMs: cfg.Perf.RetryBackoffMs,
				Logger:         s.log,
			})
		}
	}
	return s, nil
}

// Settings returns the settings the session builds from. Analysis fixes
// and content update moves modify them in place.
func (s *Session) Settings() *settings.Settings { return s.settings }

// Close releases history and audit resources.
func (s *Session) Close() error {
	return errors.Join(s.history.Close(), s.audit.Close())
}

// stage times fn under a named stage.
func (s *Session) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if m := metrics.Get(); m != nil {
		m.ObserveStage(name, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Debug("stage finished", "stage", name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// produce plans, builds and validates. A build that fails validation
// publishes nothing further.
func (s *Session) produce(ctx context.Context) (*planner.Plan, *Output, error) {
	if s.store == nil {
		return nil, nil, errors.New("a bundle store is required to build")
	}
	var plan *planner.Plan
	var out *Output
	err := s.stage("plan", func() (err error) {
		plan, err = planner.New(s.db, planner.Options{Logger: s.log}).Plan(ctx, s.settings)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	err = s.stage("build", func() (err error) {
		out, err = s.builder.Build(ctx, plan)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	v := ValidateBuild(plan, out)
	for _, w := range v.Warnings {
		s.log.Warn("build validation warning", "warning", w)
	}
	if err := v.Err(); err != nil {
		return plan, out, err
	}
	s.log.Info("build validated", "bundles", v.BundleCount, "bytes", v.ByteSize, "content_hash", out.ContentHash())
	return plan, out, nil
}
