package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project:
  name: demo
  settings: project/settings.yaml
storage:
  backend: mem
catalog:
  compression: zstd
content_update:
  fail_on_modified_static: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "project/settings.yaml", cfg.Project.Settings)
	assert.Equal(t, "assets.yaml", cfg.Project.Manifest)
	assert.Equal(t, "mem", cfg.Storage.Backend)
	assert.Equal(t, "zstd", cfg.Catalog.Compression)
	assert.True(t, cfg.Update.FailOnModifiedStatic)
	assert.Equal(t, 4, cfg.Perf.Workers)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CATALOG_WORKERS", "9")
	t.Setenv("CATALOG_STORAGE_BACKEND", "gcs")
	t.Setenv("CATALOG_STORAGE_BUCKET", "bundles")
	t.Setenv("CATALOG_AUDIT_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Perf.Workers)
	assert.Equal(t, "gcs", cfg.Storage.Backend)
	assert.Equal(t, "bundles", cfg.Storage.Bucket)
	assert.True(t, cfg.Audit.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"bucket missing", func(c *Config) { c.Storage.Backend = "s3" }},
		{"bad compression", func(c *Config) { c.Catalog.Compression = "gzip" }},
		{"bad state format", func(c *Config) { c.State.Format = "xml" }},
		{"no settings", func(c *Config) { c.Project.Settings = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
