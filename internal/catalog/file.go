package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

// Compression selects how a catalog file is stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// HashSuffix is appended to a catalog path to name its hash sidecar.
const HashSuffix = ".hash"

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

// Marshal encodes t as a JSON container and compresses it. The returned
// hash covers the uncompressed JSON so it is stable across compression
// settings.
func Marshal(t *Table, c Compression) ([]byte, contenthash.Hash128, error) {
	text, err := json.Marshal(t)
	if err != nil {
		return nil, contenthash.Hash128{}, fmt.Errorf("marshal catalog: %w", err)
	}
	sum := contenthash.Sum(text)

	switch c {
	case "", CompressionNone:
		return text, sum, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, sum, fmt.Errorf("create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(text, nil), sum, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(text); err != nil {
			return nil, sum, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, sum, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), sum, nil
	default:
		return nil, sum, fmt.Errorf("unknown compression %q", c)
	}
}

// Unmarshal decodes a catalog container, detecting compression from the
// frame magic.
func Unmarshal(data []byte) (*Table, error) {
	text, err := decompress(data)
	if err != nil {
		return nil, err
	}
	var t Table
	if err := json.Unmarshal(text, &t); err != nil {
		return nil, &FormatError{Blob: "container", Index: -1, Err: err}
	}
	return &t, nil
}

func decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(data, lz4Magic):
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// ReadFile loads a catalog container from the local filesystem.
func ReadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Unmarshal(data)
}

// VerifyHash reports whether a stored catalog matches the content of its
// hash sidecar.
func VerifyHash(data, sidecar []byte) (bool, error) {
	want, err := contenthash.Parse(string(bytes.TrimSpace(sidecar)))
	if err != nil {
		return false, fmt.Errorf("parse catalog hash: %w", err)
	}
	text, err := decompress(data)
	if err != nil {
		return false, err
	}
	return contenthash.Verify(text, want), nil
}

// Writer stores named blobs. storage.BundleStore satisfies it.
type Writer interface {
	Write(ctx context.Context, path string, data []byte) error
}

// Sink receives the final entry list of a build and persists it.
type Sink interface {
	Accept(ctx context.Context, locatorID string, entries []*Entry) (*WriteResult, error)
}

// WriteResult describes a persisted catalog.
type WriteResult struct {
	Path       string
	HashPath   string
	Hash       contenthash.Hash128
	Size       int
	Entries    int
	Intern     InternStats
	Compressed Compression
}

// FileSink encodes entries and writes the container plus its hash sidecar.
type FileSink struct {
	Out         Writer
	Path        string
	Compression Compression
	Log         *slog.Logger
}

// Accept implements Sink.
func (s *FileSink) Accept(ctx context.Context, locatorID string, entries []*Entry) (*WriteResult, error) {
	res, err := Encode(locatorID, entries, s.Log)
	if err != nil {
		return nil, err
	}
	data, sum, err := Marshal(res.Table, s.Compression)
	if err != nil {
		return nil, err
	}
	if err := s.Out.Write(ctx, s.Path, data); err != nil {
		return nil, fmt.Errorf("write catalog %s: %w", s.Path, err)
	}
	hashPath := s.Path + HashSuffix
	if err := s.Out.Write(ctx, hashPath, []byte(sum.String())); err != nil {
		return nil, fmt.Errorf("write catalog hash %s: %w", hashPath, err)
	}
	return &WriteResult{
		Path:       s.Path,
		HashPath:   hashPath,
		Hash:       sum,
		Size:       len(data),
		Entries:    len(entries),
		Intern:     res.Intern,
		Compressed: s.Compression,
	}, nil
}
