// catalogctl builds content bundles and their catalog, runs content
// updates against a shipped baseline, analyzes bundle layouts and dumps
// catalog files.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/build"
	"github.com/withObsrvr/content-catalog/internal/catalog"
	"github.com/withObsrvr/content-catalog/internal/config"
	"github.com/withObsrvr/content-catalog/internal/logging"
	"github.com/withObsrvr/content-catalog/internal/metrics"
	"github.com/withObsrvr/content-catalog/internal/report"
	"github.com/withObsrvr/content-catalog/internal/settings"
	"github.com/withObsrvr/content-catalog/internal/storage"
)

const usage = `catalogctl %s (%s)

Usage:
  catalogctl build   [--config file] [--parquet dir]
  catalogctl update  [--config file] [--state file] [--parquet dir]
  catalogctl analyze [--config file] [--rule id]... [--fix] [--parquet dir]
  catalogctl inspect <catalog file>

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	statePath  string
	rules      []string
	fix        bool
	parquetDir string
	logLevel   string
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("catalogctl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv("CATALOG_CONFIG"), "configuration file")
	flagSet.StringVar(&opts.statePath, "state", "", "content state baseline (update)")
	flagSet.StringSliceVar(&opts.rules, "rule", nil, "analysis rule id; repeatable (default: all)")
	flagSet.BoolVar(&opts.fix, "fix", false, "apply fixable rules and save the settings (analyze)")
	flagSet.StringVar(&opts.parquetDir, "parquet", "", "write parquet reports into this directory")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, build.Version, build.GitSHA)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}
	command, rest := rest[0], rest[1:]

	if command == "inspect" {
		if len(rest) != 1 {
			return errors.New("inspect takes exactly one catalog file")
		}
		return inspect(rest[0])
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.statePath != "" {
		cfg.State.Path = opts.statePath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("catalogctl starting", "version", build.Version, "git_sha", build.GitSHA, "command", command)

	var mode build.Mode
	switch command {
	case "build":
		mode = build.ModeFull
	case "update":
		mode = build.ModeUpdate
	case "analyze":
		mode = build.ModeAnalyze
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, cancelling", "signal", sig.String())
		cancel()
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init(cfg.Metrics.Namespace)
		if cfg.Metrics.Address != "" {
			go func() {
				if err := m.StartServer(cfg.Metrics.Address); err != nil {
					log.Warn("metrics server stopped", "error", err)
				}
			}()
		}
	}

	err = execute(ctx, cfg, mode, opts)
	if m != nil && cfg.Metrics.TextfilePath != "" {
		if werr := m.WriteTextfile(cfg.Metrics.TextfilePath); werr != nil {
			log.Warn("failed to write metrics textfile", "path", cfg.Metrics.TextfilePath, "error", werr)
		}
	}
	if err != nil && ctx.Err() != nil {
		log.Info("shutdown complete")
	}
	return err
}

func execute(ctx context.Context, cfg config.Config, mode build.Mode, opts options) error {
	s, err := settings.Load(cfg.Project.Settings)
	if err != nil {
		return err
	}
	db, err := assetdb.LoadManifest(ctx, cfg.Project.Manifest, assetdb.LoadOptions{
		Workers: cfg.Perf.HashWorkers,
		Logger:  logging.Component("assetdb"),
	})
	if err != nil {
		return err
	}

	deps := build.Deps{Settings: s, DB: db}
	if mode != build.ModeAnalyze {
		store, err := storage.NewAtomicStore(storage.StorageConfig{
			Backend:    cfg.Storage.Backend,
			LocalDir:   cfg.Storage.LocalDir,
			GCSBucket:  cfg.Storage.Bucket,
			S3Bucket:   cfg.Storage.Bucket,
			S3Endpoint: cfg.Storage.S3Endpoint,
			S3Region:   cfg.Storage.S3Region,
			Prefix:     cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("create storage: %w", err)
		}
		defer store.Close()
		deps.Store = store
	}

	sess, err := build.NewSession(cfg, mode, deps)
	if err != nil {
		return err
	}
	defer sess.Close()

	switch mode {
	case build.ModeAnalyze:
		return runAnalyze(ctx, sess, cfg, opts)
	case build.ModeUpdate:
		res, err := sess.BuildUpdate(ctx)
		if err != nil {
			return err
		}
		for _, f := range res.Applied.Failures {
			fmt.Fprintf(os.Stderr, "warning: %s: %s: %v\n", f.Entry, f.Path, f.Err)
		}
		fmt.Printf("content update: %d reverted, %d carried over, catalog %s\n",
			len(res.Applied.Reverted), len(res.Applied.CarriedOver), res.Catalog.Path)
		return writeBundleReport(res, opts)
	default:
		res, err := sess.BuildContent(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("full build: %d bundles, %d entries, catalog %s (%s)\n",
			len(res.Output.Bundles), res.Catalog.Entries, res.Catalog.Path, res.Catalog.Hash)
		return writeBundleReport(res, opts)
	}
}

func runAnalyze(ctx context.Context, sess *build.Session, cfg config.Config, opts options) error {
	res, err := sess.Analyze(ctx, opts.rules, opts.fix)
	if err != nil {
		return err
	}
	for _, id := range res.Rules {
		fmt.Println(report.RenderResults(res.Names[id], res.Results[id]))
	}
	if res.Duplicates != nil && len(res.Duplicates.Records) > 0 {
		fmt.Println(report.RenderDuplicateTree(res.Duplicates))
	}
	if len(res.Fixed) > 0 {
		if err := sess.Settings().Save(cfg.Project.Settings); err != nil {
			return err
		}
		fmt.Printf("applied fixes (%s), settings saved to %s\n", strings.Join(res.Fixed, ", "), cfg.Project.Settings)
	}

	if opts.parquetDir == "" {
		return nil
	}
	if err := writeParquet(opts.parquetDir, report.ResultRows(res.SessionID, res.Results)); err != nil {
		return err
	}
	if res.Duplicates != nil {
		return writeParquet(opts.parquetDir, report.DuplicateRows(res.SessionID, res.Duplicates, time.Now().UTC()))
	}
	return nil
}

func writeBundleReport(res *build.Result, opts options) error {
	if opts.parquetDir == "" {
		return nil
	}
	return writeParquet(opts.parquetDir, report.BundleRows(res.SessionID, res.Entries, res.Plan, res.Reverted))
}

type tableRow interface{ TableName() string }

func writeParquet[T tableRow](dir string, rows []T) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var zero T
	path := filepath.Join(dir, zero.TableName()+".parquet")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteParquet(f, rows, report.Options{}); err != nil {
		f.Close()
		return err
	}
	slog.Info("wrote parquet report", "path", path, "rows", len(rows))
	return f.Close()
}

// inspect prints every location of a catalog file with its keys' targets
// and dependencies.
func inspect(path string) error {
	table, err := catalog.ReadFile(path)
	if err != nil {
		return err
	}
	loc, err := catalog.Decode(table, catalog.DefaultRegistry(), logging.Component("inspect"))
	if err != nil {
		return err
	}
	fmt.Printf("locator %s: %d keys, %d locations", loc.ID, len(loc.Keys()), len(loc.Locations()))
	if loc.Skipped > 0 {
		fmt.Printf(", %d malformed records skipped", loc.Skipped)
	}
	fmt.Println()

	if sidecar, err := os.ReadFile(path + catalog.HashSuffix); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		ok, err := catalog.VerifyHash(data, sidecar)
		switch {
		case err != nil:
			fmt.Printf("hash sidecar unreadable: %v\n", err)
		case !ok:
			fmt.Println("hash sidecar does not match the catalog content")
		}
	}

	for _, key := range loc.Keys() {
		if key.Kind() == catalog.KindInt32 {
			continue // dependency sets
		}
		locs, _ := loc.Locate(key)
		for _, l := range locs {
			fmt.Printf("%s [%s]\n  -> %s (%s)\n", key, key.Kind(), l.InternalID(), l.ProviderID())
			for _, d := range l.Dependencies() {
				fmt.Printf("     depends on %s\n", d.InternalID())
			}
			if all := l.AllDependencies(); len(all) > len(l.Dependencies()) {
				fmt.Printf("     %d locations in total\n", len(all))
			}
		}
	}
	return nil
}
