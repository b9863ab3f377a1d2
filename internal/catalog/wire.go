package catalog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

// Value tags in the key and extra-data blobs.
const (
	tagASCIIString   byte = 0
	tagUnicodeString byte = 1
	tagUint16        byte = 2
	tagUint32        byte = 3
	tagInt32         byte = 4
	tagHash128       byte = 5
	tagJSONObject    byte = 6
)

const maxTypeNameLen = 255

// ErrUnsupportedValue is returned when a value has no wire representation.
var ErrUnsupportedValue = errors.New("value has no wire representation")

func appendInt32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

func readInt32(buf []byte, off int) (int32, error) {
	if off < 0 || off+4 > len(buf) {
		return 0, fmt.Errorf("int32 at offset %d: %w", off, ErrTruncated)
	}
	return int32(binary.LittleEndian.Uint32(buf[off:])), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

func decodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("utf-16 payload has odd length %d", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// appendValue appends the tagged encoding of v. On error buf is returned
// unchanged.
func appendValue(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case string:
		if isASCII(v) {
			buf = append(buf, tagASCIIString)
			buf = appendInt32(buf, int32(len(v)))
			return append(buf, v...), nil
		}
		if !utf8.ValidString(v) {
			return buf, fmt.Errorf("string %q is not valid UTF-8: %w", v, ErrUnsupportedValue)
		}
		u := encodeUTF16LE(v)
		buf = append(buf, tagUnicodeString)
		buf = appendInt32(buf, int32(len(u)))
		return append(buf, u...), nil
	case uint16:
		buf = append(buf, tagUint16)
		return binary.LittleEndian.AppendUint16(buf, v), nil
	case uint32:
		buf = append(buf, tagUint32)
		return binary.LittleEndian.AppendUint32(buf, v), nil
	case int32:
		buf = append(buf, tagInt32)
		return appendInt32(buf, v), nil
	case contenthash.Hash128:
		buf = append(buf, tagHash128)
		return append(buf, v[:]...), nil
	case Object:
		return appendObject(buf, v)
	case nil:
		return buf, fmt.Errorf("nil value: %w", ErrUnsupportedValue)
	default:
		return buf, fmt.Errorf("%T: %w", v, ErrUnsupportedValue)
	}
}

func appendObject(buf []byte, obj Object) ([]byte, error) {
	tag := obj.TypeTag()
	if len(tag.Module) > maxTypeNameLen || len(tag.Name) > maxTypeNameLen {
		return buf, fmt.Errorf("type tag %s exceeds %d bytes: %w", tag, maxTypeNameLen, ErrUnsupportedValue)
	}
	var text []byte
	switch o := obj.(type) {
	case RawObject:
		text = o.JSON
	case *RawObject:
		text = o.JSON
	default:
		var err error
		if text, err = json.Marshal(obj); err != nil {
			return buf, fmt.Errorf("marshal %s: %w", tag, err)
		}
	}
	u := encodeUTF16LE(string(text))
	buf = append(buf, tagJSONObject, byte(len(tag.Module)))
	buf = append(buf, tag.Module...)
	buf = append(buf, byte(len(tag.Name)))
	buf = append(buf, tag.Name...)
	buf = appendInt32(buf, int32(len(u)))
	return append(buf, u...), nil
}

// readValue decodes the tagged value at off. JSON objects come back as
// RawObject; registry resolution is the caller's job.
func readValue(buf []byte, off int) (any, error) {
	if off < 0 || off >= len(buf) {
		return nil, fmt.Errorf("value at offset %d: %w", off, ErrTruncated)
	}
	tag := buf[off]
	p := off + 1
	need := func(n int) error {
		if n < 0 || p+n > len(buf) {
			return fmt.Errorf("value at offset %d: %w", off, ErrTruncated)
		}
		return nil
	}
	switch tag {
	case tagASCIIString, tagUnicodeString:
		n, err := readInt32(buf, p)
		if err != nil {
			return nil, err
		}
		p += 4
		if err := need(int(n)); err != nil {
			return nil, err
		}
		b := buf[p : p+int(n)]
		if tag == tagASCIIString {
			return string(b), nil
		}
		return decodeUTF16LE(b)
	case tagUint16:
		if err := need(2); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(buf[p:]), nil
	case tagUint32:
		if err := need(4); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint32(buf[p:]), nil
	case tagInt32:
		return readInt32(buf, p)
	case tagHash128:
		if err := need(contenthash.Size); err != nil {
			return nil, err
		}
		var h contenthash.Hash128
		copy(h[:], buf[p:])
		return h, nil
	case tagJSONObject:
		var raw RawObject
		for _, dst := range []*string{&raw.Tag.Module, &raw.Tag.Name} {
			if err := need(1); err != nil {
				return nil, err
			}
			n := int(buf[p])
			p++
			if err := need(n); err != nil {
				return nil, err
			}
			*dst = string(buf[p : p+n])
			p += n
		}
		n, err := readInt32(buf, p)
		if err != nil {
			return nil, err
		}
		p += 4
		if err := need(int(n)); err != nil {
			return nil, err
		}
		text, err := decodeUTF16LE(buf[p : p+int(n)])
		if err != nil {
			return nil, err
		}
		raw.JSON = []byte(text)
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown value tag %d at offset %d", tag, off)
	}
}
