package planner

import (
	"errors"
	"fmt"
	"strings"
)

// MaxNameAttempts bounds the numeric suffixes tried for one bundle name.
const MaxNameAttempts = 1000

// BundleExtension is appended to every generated bundle name.
const BundleExtension = ".bundle"

// ErrBundleNameExhausted is returned when no free suffix remains.
var ErrBundleNameExhausted = errors.New("bundle name collision retries exhausted")

// Namer hands out unique bundle names. x.bundle collides into x1.bundle,
// x2.bundle and so on.
type Namer struct {
	taken map[string]bool
}

// NewNamer returns an empty namer.
func NewNamer() *Namer {
	return &Namer{taken: make(map[string]bool)}
}

// Reserve marks name as used without checking it.
func (n *Namer) Reserve(name string) { n.taken[name] = true }

// Unique returns name, or the first free suffixed variant of it.
func (n *Namer) Unique(name string) (string, error) {
	if !n.taken[name] {
		n.taken[name] = true
		return name, nil
	}
	stem := strings.TrimSuffix(name, BundleExtension)
	ext := name[len(stem):]
	for i := 1; i < MaxNameAttempts; i++ {
		candidate := fmt.Sprintf("%s%d%s", stem, i, ext)
		if !n.taken[candidate] {
			n.taken[candidate] = true
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q after %d attempts", ErrBundleNameExhausted, name, MaxNameAttempts)
}

// AssetsInfix separates the group segment of a bundle name from its suffix.
const AssetsInfix = "_assets_"

// BundleName builds the naive bundle name for a group and a suffix.
func BundleName(group, suffix string) string {
	return GroupSegment(group) + AssetsInfix + sanitize(suffix) + BundleExtension
}

// GroupSegment is the leading part of every bundle name built for group.
func GroupSegment(group string) string { return sanitize(group) }

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ':
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
