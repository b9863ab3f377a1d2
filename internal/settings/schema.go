package settings

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// PackingMode controls how a group's entries are split into bundles.
type PackingMode string

const (
	PackTogether        PackingMode = "pack_together"
	PackSeparately      PackingMode = "pack_separately"
	PackTogetherByLabel PackingMode = "pack_together_by_label"
)

// UnmarshalYAML rejects unknown modes. An empty value means PackTogether.
func (m *PackingMode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	switch mode := PackingMode(strings.ToLower(s)); mode {
	case "":
		*m = PackTogether
	case PackTogether, PackSeparately, PackTogetherByLabel:
		*m = mode
	default:
		return fmt.Errorf("line %d: unknown packing mode %q", node.Line, s)
	}
	return nil
}

// Schema is the bundling policy of a group.
type Schema struct {
	Include               *bool       `yaml:"include_in_build,omitempty"`
	PackingMode           PackingMode `yaml:"packing_mode"`
	StaticContent         bool        `yaml:"static_content,omitempty"`
	BuildPath             string      `yaml:"build_path"`
	LoadPath              string      `yaml:"load_path"`
	UseCrcForCachedBundle bool        `yaml:"use_crc_for_cached_bundle,omitempty"`
}

// IncludedInBuild defaults to true when the flag is not set.
func (s *Schema) IncludedInBuild() bool {
	return s.Include == nil || *s.Include
}

// Mode returns the packing mode, defaulting to PackTogether.
func (s *Schema) Mode() PackingMode {
	if s.PackingMode == "" {
		return PackTogether
	}
	return s.PackingMode
}

// Profile holds the variables referenced by path templates.
type Profile map[string]string

// Evaluate replaces [Name] tokens with profile values, resolving nested
// references up to a fixed depth. Unknown tokens and runtime {Name} tokens
// are left intact.
func (p Profile) Evaluate(template string) string {
	out := template
	for depth := 0; depth < 8; depth++ {
		next := p.evaluateOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func (p Profile) evaluateOnce(s string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[open:], ']')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[open+1 : open+end]
		b.WriteString(s[:open])
		if v, ok := p[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[open : open+end+1])
		}
		s = s[open+end+1:]
	}
}

// BuildPath evaluates the group's build path.
func (s *Settings) BuildPath(g *Group) string {
	if g.Schema == nil {
		return ""
	}
	return s.profile().Evaluate(g.Schema.BuildPath)
}

// LoadPath evaluates the group's load path.
func (s *Settings) LoadPath(g *Group) string {
	if g.Schema == nil {
		return ""
	}
	return s.profile().Evaluate(g.Schema.LoadPath)
}

// profile adds the built-in BuildTarget variable when the profile does not
// define it.
func (s *Settings) profile() Profile {
	if _, ok := s.Profile["BuildTarget"]; ok || s.BuildTarget == "" {
		return s.Profile
	}
	p := make(Profile, len(s.Profile)+1)
	for k, v := range s.Profile {
		p[k] = v
	}
	p["BuildTarget"] = s.BuildTarget
	return p
}
