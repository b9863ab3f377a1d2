package assetdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

// Manifest is the on-disk description of the asset database exported by the
// engine. Assets without a hash are hashed from Root/Path on load.
type Manifest struct {
	Root   string  `yaml:"root"`
	Assets []Asset `yaml:"assets"`
}

// LoadOptions tunes LoadManifest.
type LoadOptions struct {
	// Workers bounds concurrent file hashing. Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// LoadManifest reads a YAML manifest and fills in missing content hashes.
// A relative Root is resolved against the manifest's directory.
func LoadManifest(ctx context.Context, path string, opts LoadOptions) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	root := m.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(path), root)
	}
	if err := hashMissing(ctx, root, m.Assets, opts); err != nil {
		return nil, err
	}
	return NewMemory(m.Assets...), nil
}

func hashMissing(ctx context.Context, root string, assets []Asset, opts LoadOptions) error {
	log := opts.Logger
	if log == nil {
		log = slog.With("component", "assetdb")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	hashed := 0
	for i := range assets {
		a := &assets[i]
		if a.Folder || !a.Hash.IsZero() {
			continue
		}
		hashed++
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := contenthash.HashFile(filepath.Join(root, filepath.FromSlash(a.Path)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", a.Path, err)
			}
			a.Hash = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Debug("hashed assets", "count", hashed, "workers", workers)
	return nil
}
