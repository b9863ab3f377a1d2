package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileBackup writes events to local JSON files.
type FileBackup struct {
	dir string
	log *slog.Logger
}

// NewFileBackup creates the backup directory.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit-backup"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir, log: slog.With("component", "audit")}, nil
}

// Save writes evt as {project}_{target}_{session}.json.
func (f *FileBackup) Save(evt *BuildEvent) error {
	name := fmt.Sprintf("%s_%s_%s.json",
		safeName(evt.Build.Project),
		safeName(evt.Build.BuildTarget),
		evt.Build.SessionID)
	path := filepath.Join(f.dir, name)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	f.log.Debug("event backed up", "path", path)
	return nil
}

func safeName(s string) string {
	if s == "" {
		return "default"
	}
	return strings.NewReplacer("/", "-", "\\", "-", " ", "_").Replace(s)
}

// FileEmitter writes chained events to local files only.
type FileEmitter struct {
	chain  *ChainTracker
	backup *FileBackup
	log    *slog.Logger
}

// NewFileEmitter keeps events and chain heads under dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &FileEmitter{chain: chain, backup: backup, log: slog.With("component", "audit")}, nil
}

// Emit links evt to its chain, saves it and advances the chain head.
func (e *FileEmitter) Emit(evt *BuildEvent) error {
	key := evt.Build.ChainKey()
	prevHash, _ := e.chain.GetHead(key)
	prepare(evt, prevHash)

	e.log.Info("build event emitted", "chain", key, "event_hash", evt.Chain.EventHash)
	if err := e.backup.Save(evt); err != nil {
		return err
	}
	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// LastHash returns the head of a chain, or empty.
func (e *FileEmitter) LastHash(chainKey string) string {
	h, _ := e.chain.GetHead(chainKey)
	return h
}

func (e *FileEmitter) Close() error { return nil }
