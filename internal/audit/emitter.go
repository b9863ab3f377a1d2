package audit

import (
	"context"
	"log/slog"
	"time"
)

// Config configures event emission.
type Config struct {
	Enabled   bool
	Endpoint  string
	BackupDir string
	Strict    bool
}

// Emitter publishes build events.
type Emitter interface {
	Emit(ctx context.Context, evt *BuildEvent) error
	// LastHash returns the current head of a chain, or empty.
	LastHash(chainKey string) string
	Close() error
}

// NewEmitter returns an HTTP emitter when an endpoint is set, a file emitter
// otherwise, and a no-op emitter when disabled or when setup fails.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "audit")
	if !cfg.Enabled {
		log.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}
	}

	if cfg.Endpoint != "" {
		e, err := NewHTTPEmitter(cfg)
		if err == nil {
			log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint)
			return e
		}
		log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
	}

	e, err := NewFileEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return noopEmitter{}
	}
	log.Info("using file-only audit emitter", "dir", cfg.BackupDir)
	return fileEmitter{e}
}

// fileEmitter adapts FileEmitter to Emitter.
type fileEmitter struct{ *FileEmitter }

func (f fileEmitter) Emit(_ context.Context, evt *BuildEvent) error { return f.FileEmitter.Emit(evt) }

func prepare(evt *BuildEvent, prevHash string) {
	evt.Version = SchemaVersion
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prevHash)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *BuildEvent) error { return nil }
func (noopEmitter) LastHash(string) string                  { return "" }
func (noopEmitter) Close() error                            { return nil }
