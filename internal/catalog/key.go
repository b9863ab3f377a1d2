package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/withObsrvr/content-catalog/internal/contenthash"
)

// KeyKind identifies the variant held by a Key.
type KeyKind uint8

const (
	KindInvalid KeyKind = iota
	KindString
	KindUint16
	KindUint32
	KindInt32
	KindHash
	KindObject
)

func (k KeyKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindInt32:
		return "int32"
	case KindHash:
		return "hash128"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Key is a comparable value identifying a bucket of locations: an address,
// guid, label, numeric id, content hash or small JSON object. Keys are
// usable as map keys; two keys are equal iff kind and value match.
type Key struct {
	kind KeyKind
	str  string // string value, or canonical JSON for object keys
	num  uint32
	hash contenthash.Hash128
	tag  TypeTag
}

// StringKey returns a key for an address, guid or label.
func StringKey(s string) Key { return Key{kind: KindString, str: s} }

// Uint16Key returns a 16-bit unsigned key.
func Uint16Key(v uint16) Key { return Key{kind: KindUint16, num: uint32(v)} }

// Uint32Key returns a 32-bit unsigned key.
func Uint32Key(v uint32) Key { return Key{kind: KindUint32, num: v} }

// Int32Key returns a 32-bit signed key. Dependency-set keys use this kind.
func Int32Key(v int32) Key { return Key{kind: KindInt32, num: uint32(v)} }

// HashKey returns a 128-bit content hash key.
func HashKey(h contenthash.Hash128) Key { return Key{kind: KindHash, hash: h} }

// ObjectKey returns a key for a JSON-serializable object. The key value is
// the object's type tag plus its JSON text, so equal objects yield equal keys.
func ObjectKey(obj Object) (Key, error) {
	if raw, ok := obj.(RawObject); ok {
		return Key{kind: KindObject, tag: raw.Tag, str: string(raw.JSON)}, nil
	}
	if raw, ok := obj.(*RawObject); ok {
		return Key{kind: KindObject, tag: raw.Tag, str: string(raw.JSON)}, nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return Key{}, fmt.Errorf("marshal object key: %w", err)
	}
	return Key{kind: KindObject, tag: obj.TypeTag(), str: string(data)}, nil
}

// Kind returns the key variant.
func (k Key) Kind() KeyKind { return k.kind }

// IsValid reports whether k was built by one of the constructors.
func (k Key) IsValid() bool { return k.kind != KindInvalid }

// Value returns the underlying value: string, uint16, uint32, int32,
// contenthash.Hash128, or RawObject.
func (k Key) Value() any {
	switch k.kind {
	case KindString:
		return k.str
	case KindUint16:
		return uint16(k.num)
	case KindUint32:
		return k.num
	case KindInt32:
		return int32(k.num)
	case KindHash:
		return k.hash
	case KindObject:
		return RawObject{Tag: k.tag, JSON: []byte(k.str)}
	default:
		return nil
	}
}

func (k Key) String() string {
	switch k.kind {
	case KindString:
		return k.str
	case KindUint16, KindUint32:
		return strconv.FormatUint(uint64(k.num), 10)
	case KindInt32:
		return strconv.FormatInt(int64(int32(k.num)), 10)
	case KindHash:
		return k.hash.String()
	case KindObject:
		return k.tag.String() + k.str
	default:
		return "<invalid>"
	}
}

// keyFromValue converts a decoded wire value back into a Key.
func keyFromValue(v any) (Key, error) {
	switch v := v.(type) {
	case string:
		return StringKey(v), nil
	case uint16:
		return Uint16Key(v), nil
	case uint32:
		return Uint32Key(v), nil
	case int32:
		return Int32Key(v), nil
	case contenthash.Hash128:
		return HashKey(v), nil
	case RawObject:
		return ObjectKey(v)
	default:
		return Key{}, fmt.Errorf("value of type %T cannot be a key", v)
	}
}
