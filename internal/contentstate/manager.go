package contentstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNoContentState is returned when no baseline file exists.
	ErrNoContentState = errors.New("no content state found")

	// ErrCorrupt is returned when a baseline file cannot be parsed.
	ErrCorrupt = errors.New("content state file is corrupt")
)

// Format is the on-disk encoding of a content state file.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// FormatFor picks the format from the file extension: .json is JSON,
// anything else CBOR.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatCBOR
}

// Manager loads and saves the content state baseline.
type Manager interface {
	// Load reads the baseline. A missing file yields ErrNoContentState.
	Load(ctx context.Context) (*ContentState, error)

	// Save persists the baseline.
	Save(ctx context.Context, st *ContentState) error
}

// Config configures the content state manager.
type Config struct {
	Enabled bool
	Path    string
	Format  Format // empty means FormatFor(Path)
}

// NewManager creates a manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if cfg.Path == "" {
		return nil, errors.New("content state path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create content state directory %s: %w", dir, err)
		}
	}
	format := cfg.Format
	if format == "" {
		format = FormatFor(cfg.Path)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &fileManager{path: cfg.Path, format: format, enc: enc}, nil
}

// Open returns a file manager for an existing baseline path.
func Open(path string) (Manager, error) {
	return NewManager(Config{Enabled: true, Path: path})
}

// fileManager persists content state to a local file.
type fileManager struct {
	path   string
	format Format
	enc    cbor.EncMode
}

func (m *fileManager) Load(ctx context.Context) (*ContentState, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoContentState, m.path)
		}
		return nil, fmt.Errorf("read content state file: %w", err)
	}

	var st ContentState
	switch m.format {
	case FormatJSON:
		err = json.Unmarshal(data, &st)
	default:
		err = cbor.Unmarshal(data, &st)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, m.path, err)
	}
	return &st, nil
}

func (m *fileManager) Save(ctx context.Context, st *ContentState) error {
	var data []byte
	var err error
	switch m.format {
	case FormatJSON:
		data, err = json.MarshalIndent(st, "", "  ")
	default:
		data, err = m.enc.Marshal(st)
	}
	if err != nil {
		return fmt.Errorf("marshal content state: %w", err)
	}

	// Write atomically
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write content state temp file (file may be locked): %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename content state file: %w", err)
	}
	return nil
}

// noopManager is used when content update support is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*ContentState, error) {
	return nil, ErrNoContentState
}

func (m *noopManager) Save(ctx context.Context, st *ContentState) error {
	return nil
}
