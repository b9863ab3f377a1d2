package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is matched by every FormatError.
	ErrFormat = errors.New("malformed catalog table")

	// ErrTruncated reports a read past the end of a blob.
	ErrTruncated = errors.New("truncated data")
)

// FormatError describes a structural defect in a catalog table. Blob names
// the buffer ("keys", "buckets", "entries", "extra") and Index the record
// that failed, or -1 for the blob header.
type FormatError struct {
	Blob  string
	Index int
	Err   error
}

func (e *FormatError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("catalog %s header: %v", e.Blob, e.Err)
	}
	return fmt.Sprintf("catalog %s record %d: %v", e.Blob, e.Index, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFormat) succeed for any FormatError.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }
