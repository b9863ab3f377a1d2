package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool         *pgxpool.Pool
	cfg          Config
	log          *slog.Logger
	mu           sync.RWMutex
	projectCache map[ProjectInfo]int64
}

// NewPostgresWriter connects, pings and applies the schema.
func NewPostgresWriter(cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:         pool,
		cfg:          cfg,
		log:          slog.With("component", "metadata"),
		projectCache: make(map[ProjectInfo]int64),
	}

	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to build history database")
	return w, nil
}

// EnsureProject registers or retrieves a project row.
func (w *PostgresWriter) EnsureProject(ctx context.Context, info ProjectInfo) (int64, error) {
	w.mu.RLock()
	if id, ok := w.projectCache[info]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _catalog_projects (name, build_target, player_version)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, build_target, player_version)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	if err := w.pool.QueryRow(ctx, query, info.Name, info.BuildTarget, info.PlayerVersion).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure project: %w", err)
	}

	w.mu.Lock()
	w.projectCache[info] = id
	w.mu.Unlock()
	return id, nil
}

// RecordBuild inserts a build row.
func (w *PostgresWriter) RecordBuild(ctx context.Context, rec BuildRecord) (int64, error) {
	if rec.ProjectID == 0 {
		return 0, fmt.Errorf("ProjectID is required (call EnsureProject first)")
	}

	query := `
		INSERT INTO _catalog_builds (
			project_id, session_id, mode, catalog_path, catalog_hash, prev_hash,
			entry_count, bundle_count, reverted, duplicates, passed, error_message,
			started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		rec.ProjectID,
		rec.SessionID,
		rec.Mode,
		rec.CatalogPath,
		rec.CatalogHash,
		nullable(rec.PrevHash),
		rec.EntryCount,
		rec.BundleCount,
		rec.Reverted,
		rec.Duplicates,
		rec.Passed,
		nullable(rec.ErrorMessage),
		rec.StartedAt,
		rec.FinishedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record build: %w", err)
	}

	w.log.Info("recorded build", "build_id", id, "session_id", rec.SessionID, "prev_hash", rec.PrevHash)
	return id, nil
}

// RecordBundles inserts bundle rows in one batch.
func (w *PostgresWriter) RecordBundles(ctx context.Context, buildID int64, bundles []BundleRecord) error {
	if len(bundles) == 0 {
		return nil
	}

	query := `
		INSERT INTO _catalog_bundles (
			build_id, bundle_name, file_id, hash, crc, size, group_guid, reverted
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (build_id, bundle_name)
		DO UPDATE SET
			file_id = EXCLUDED.file_id,
			hash = EXCLUDED.hash,
			reverted = EXCLUDED.reverted
	`

	batch := &pgx.Batch{}
	for _, b := range bundles {
		batch.Queue(query, buildID, b.BundleName, b.FileID, b.Hash, int64(b.Crc), b.Size, b.GroupGUID, b.Reverted)
	}
	if err := w.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record bundles: %w", err)
	}
	return nil
}

// LastBuild returns the most recent passing build of a project.
func (w *PostgresWriter) LastBuild(ctx context.Context, projectID int64) (*BuildRecord, error) {
	query := `
		SELECT session_id, mode, catalog_path, catalog_hash, COALESCE(prev_hash, ''),
		       entry_count, bundle_count, reverted, duplicates, passed,
		       COALESCE(error_message, ''), started_at, finished_at
		FROM _catalog_builds
		WHERE project_id = $1 AND passed
		ORDER BY finished_at DESC
		LIMIT 1
	`

	rec := BuildRecord{ProjectID: projectID}
	err := w.pool.QueryRow(ctx, query, projectID).Scan(
		&rec.SessionID, &rec.Mode, &rec.CatalogPath, &rec.CatalogHash, &rec.PrevHash,
		&rec.EntryCount, &rec.BundleCount, &rec.Reverted, &rec.Duplicates, &rec.Passed,
		&rec.ErrorMessage, &rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last build: %w", err)
	}
	return &rec, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
