// Package metadata records build history: which catalog each build
// produced and which bundles it shipped or reused.
package metadata

import (
	"context"
	"time"
)

// Config configures the history writer. An empty DSN disables history.
type Config struct {
	PostgresDSN string
	Strict      bool
}

// ProjectInfo identifies the project a build belongs to.
type ProjectInfo struct {
	Name          string
	BuildTarget   string
	PlayerVersion string
}

// BuildRecord is one finished build.
type BuildRecord struct {
	ProjectID    int64
	SessionID    string
	Mode         string
	CatalogPath  string
	CatalogHash  string
	PrevHash     string
	EntryCount   int
	BundleCount  int
	Reverted     int
	Duplicates   int
	Passed       bool
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// BundleRecord is one bundle file referenced by a build's catalog.
type BundleRecord struct {
	BundleName string
	FileID     string
	Hash       string
	Crc        uint32
	Size       int64
	GroupGUID  string
	Reverted   bool
}

// Writer persists build history.
type Writer interface {
	// EnsureProject registers or looks up a project and returns its id.
	EnsureProject(ctx context.Context, info ProjectInfo) (int64, error)

	// RecordBuild stores a build and returns its id.
	RecordBuild(ctx context.Context, rec BuildRecord) (int64, error)

	// RecordBundles stores the bundles of a build.
	RecordBundles(ctx context.Context, buildID int64, bundles []BundleRecord) error

	// LastBuild returns the most recent passing build of a project, or nil.
	LastBuild(ctx context.Context, projectID int64) (*BuildRecord, error)

	Close() error
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return NoopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

// NoopWriter discards history.
type NoopWriter struct{}

func (NoopWriter) EnsureProject(context.Context, ProjectInfo) (int64, error) { return 0, nil }
func (NoopWriter) RecordBuild(context.Context, BuildRecord) (int64, error)   { return 0, nil }
func (NoopWriter) RecordBundles(context.Context, int64, []BundleRecord) error { return nil }
func (NoopWriter) LastBuild(context.Context, int64) (*BuildRecord, error)     { return nil, nil }
func (NoopWriter) Close() error                                               { return nil }
