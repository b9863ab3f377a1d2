// Package contenthash provides the 128-bit content hashes used to identify
// asset, bundle and catalog contents across builds.
package contenthash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Size is the byte length of a Hash128.
const Size = 16

// Hash128 is a 128-bit content hash. The zero value means "no hash".
type Hash128 [Size]byte

// Sum computes the content hash of data: the first 16 bytes of its BLAKE3 digest.
func Sum(data []byte) Hash128 {
	digest := blake3.Sum256(data)
	var h Hash128
	copy(h[:], digest[:Size])
	return h
}

// HashReader streams r through BLAKE3.
func HashReader(r io.Reader) (Hash128, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return Hash128{}, err
	}
	var h Hash128
	copy(h[:], hasher.Sum(nil)[:Size])
	return h, nil
}

// HashFile computes the content hash of the file at path with constant memory.
func HashFile(path string) (Hash128, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash128{}, fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer file.Close()

	h, err := HashReader(file)
	if err != nil {
		return Hash128{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return h, nil
}

// Combine folds several hashes into one. Order matters.
func Combine(hashes ...Hash128) Hash128 {
	hasher := blake3.New()
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	var out Hash128
	copy(out[:], hasher.Sum(nil)[:Size])
	return out
}

// IsZero reports whether h is the zero hash.
func (h Hash128) IsZero() bool {
	return h == Hash128{}
}

// String returns the 32-character lowercase hex form.
func (h Hash128) String() string {
	return hex.EncodeToString(h[:])
}

// Parse parses the hex form produced by String.
func Parse(s string) (Hash128, error) {
	var h Hash128
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse content hash: %w", err)
	}
	if len(decoded) != Size {
		return h, fmt.Errorf("content hash is %d bytes, want %d", len(decoded), Size)
	}
	copy(h[:], decoded)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler so hashes serialize as hex
// strings in JSON, YAML and CBOR state files.
func (h Hash128) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash128) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash128{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Verify reports whether data hashes to expected.
func Verify(data []byte, expected Hash128) bool {
	return Sum(data) == expected
}
