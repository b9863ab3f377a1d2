// Package config loads catalogctl configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	State   StateConfig   `yaml:"content_state"`
	Update  UpdateConfig  `yaml:"content_update"`
	Perf    PerfConfig    `yaml:"perf"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`
	History HistoryConfig `yaml:"history"`
}

type ProjectConfig struct {
	Name          string `yaml:"name"`
	Settings      string `yaml:"settings"`
	Manifest      string `yaml:"manifest"`
	Report        string `yaml:"report"` // native build report; empty builds bundles in-process
	BuildTarget   string `yaml:"build_target"`
	EditorVersion string `yaml:"editor_version"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // local | gcs | s3 | mem
	LocalDir   string `yaml:"local_dir"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type CatalogConfig struct {
	Path        string `yaml:"path"` // overrides the settings' remote catalog build path
	Compression string `yaml:"compression"`
	LocatorID   string `yaml:"locator_id"`
}

type StateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Format  string `yaml:"format"` // json | cbor; empty picks by extension
}

type UpdateConfig struct {
	FailOnModifiedStatic bool `yaml:"fail_on_modified_static"`
	MoveModifiedStatic   bool `yaml:"move_modified_static"`
}

type PerfConfig struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queue_size"`
	RetryAttempts  int `yaml:"retry_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	HashWorkers    int `yaml:"hash_workers"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	TextfilePath string `yaml:"textfile_path"`
	Namespace    string `yaml:"namespace"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
	Strict    bool   `yaml:"strict"`
}

type HistoryConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Strict      bool   `yaml:"strict"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Project: ProjectConfig{
			Name:     "default",
			Settings: "catalog-settings.yaml",
			Manifest: "assets.yaml",
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./ServerData",
		},
		Catalog: CatalogConfig{
			Compression: "none",
			LocatorID:   "AddressablesMainContentCatalog",
		},
		State: StateConfig{
			Enabled: true,
			Path:    "content_state.bin",
		},
		Perf: PerfConfig{
			Workers:        4,
			RetryAttempts:  3,
			RetryBackoffMs: 500,
			HashWorkers:    8,
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Address: ":9090"},
		Audit:   AuditConfig{BackupDir: "./audit"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated values and required fields.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir required for local backend")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket required for %s backend", c.Storage.Backend)
		}
	case "mem":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.Catalog.Compression {
	case "", "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown catalog compression: %s", c.Catalog.Compression)
	}
	switch c.State.Format {
	case "", "json", "cbor":
	default:
		return fmt.Errorf("unknown content state format: %s", c.State.Format)
	}
	if c.Project.Settings == "" {
		return fmt.Errorf("project.settings required")
	}
	return nil
}

func applyEnv(c *Config) {
	c.Project.Name = getenvDefault("CATALOG_PROJECT", c.Project.Name)
	c.Project.Settings = getenvDefault("CATALOG_SETTINGS", c.Project.Settings)
	c.Project.Manifest = getenvDefault("CATALOG_MANIFEST", c.Project.Manifest)
	c.Project.Report = getenvDefault("CATALOG_REPORT", c.Project.Report)
	c.Project.BuildTarget = getenvDefault("CATALOG_BUILD_TARGET", c.Project.BuildTarget)

	c.Storage.Backend = getenvDefault("CATALOG_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("CATALOG_LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.Bucket = getenvDefault("CATALOG_STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Prefix = getenvDefault("CATALOG_STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.S3Endpoint = getenvDefault("CATALOG_S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("CATALOG_S3_REGION", c.Storage.S3Region)

	c.Catalog.Compression = getenvDefault("CATALOG_COMPRESSION", c.Catalog.Compression)
	c.State.Path = getenvDefault("CATALOG_STATE_PATH", c.State.Path)

	c.Perf.Workers = getenvInt("CATALOG_WORKERS", c.Perf.Workers)
	c.Perf.HashWorkers = getenvInt("CATALOG_HASH_WORKERS", c.Perf.HashWorkers)

	c.Logging.Format = getenvDefault("CATALOG_LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("CATALOG_LOG_LEVEL", c.Logging.Level)

	c.Metrics.Enabled = getenvBool("CATALOG_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getenvDefault("CATALOG_METRICS_ADDR", c.Metrics.Address)
	c.Metrics.TextfilePath = getenvDefault("CATALOG_METRICS_TEXTFILE", c.Metrics.TextfilePath)

	c.Audit.Enabled = getenvBool("CATALOG_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Endpoint = getenvDefault("CATALOG_AUDIT_ENDPOINT", c.Audit.Endpoint)

	c.History.PostgresDSN = getenvDefault("CATALOG_HISTORY_DSN", c.History.PostgresDSN)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}
