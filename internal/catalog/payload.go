package catalog

import (
	"encoding/json"
	"fmt"
)

// TypeTag names a JSON-object payload type on the wire: a module name and a
// type name, each at most 255 bytes.
type TypeTag struct {
	Module string
	Name   string
}

func (t TypeTag) String() string {
	return t.Module + "/" + t.Name
}

// Object is a payload or key value carried in the generic JSON-object
// variant. Only types implementing Object are serializable as extra data.
type Object interface {
	TypeTag() TypeTag
}

// RawObject is a JSON-object payload whose type tag is not registered. It
// is kept verbatim so it can be re-encoded unchanged.
type RawObject struct {
	Tag  TypeTag
	JSON []byte
}

// TypeTag implements Object.
func (r RawObject) TypeTag() TypeTag { return r.Tag }

// BundleRequestOptionsTag is the wire tag for BundleRequestOptions.
var BundleRequestOptionsTag = TypeTag{Module: "content.providers", Name: "AssetBundleRequestOptions"}

// BundleRequestOptions is the provider data attached to bundle locations:
// what the runtime needs to fetch, cache and verify a bundle file.
type BundleRequestOptions struct {
	Hash                  string `json:"hash"`
	Crc                   uint32 `json:"crc"`
	BundleName            string `json:"bundleName"`
	BundleSize            int64  `json:"bundleSize"`
	UseCrcForCachedBundle bool   `json:"useCrcForCachedBundle,omitempty"`
}

// TypeTag implements Object.
func (BundleRequestOptions) TypeTag() TypeTag { return BundleRequestOptionsTag }

// Registry maps JSON-object type tags to factories. Decoding a registered
// tag unmarshals into a fresh value from the factory; unregistered tags
// decode to RawObject.
type Registry struct {
	factories map[TypeTag]func() Object
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[TypeTag]func() Object)}
}

// DefaultRegistry returns a registry with the well-known payload kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BundleRequestOptionsTag, func() Object { return &BundleRequestOptions{} })
	return r
}

// Register adds or replaces the factory for tag. The factory must return a
// pointer so the JSON text can be unmarshaled into it.
func (r *Registry) Register(tag TypeTag, factory func() Object) {
	r.factories[tag] = factory
}

// Resolve turns a RawObject into its registered type.
func (r *Registry) Resolve(raw RawObject) (Object, error) {
	if r == nil {
		return raw, nil
	}
	factory, ok := r.factories[raw.Tag]
	if !ok {
		return raw, nil
	}
	obj := factory()
	if err := json.Unmarshal(raw.JSON, obj); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", raw.Tag, err)
	}
	return obj, nil
}
