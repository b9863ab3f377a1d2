package build

import (
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/content-catalog/internal/planner"
)

// ErrValidation is matched by the error of a failed ValidationResult.
var ErrValidation = errors.New("build validation failed")

// ValidationResult contains the outcome of build validation.
type ValidationResult struct {
	Passed      bool
	Errors      []string
	Warnings    []string
	BundleCount int
	ByteSize    int64
}

// Err returns nil for a passing result.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(r.Errors, "; "))
}

// ValidateBuild performs consistency checks on a build before the catalog
// is written:
// - every planned bundle was built, and nothing else
// - every explicit asset maps to a file of its bundle
// - bundle dependencies name built bundles
// - bundles carry a hash and a non-zero size
func ValidateBuild(plan *planner.Plan, out *Output) ValidationResult {
	result := ValidationResult{Passed: true}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	if out == nil || out.Layout == nil {
		fail("no build output provided")
		return result
	}

	built := make(map[string]*BuiltBundle, len(out.Bundles))
	for _, b := range out.Bundles {
		if _, dup := built[b.Name]; dup {
			fail("bundle %s built twice", b.Name)
		}
		built[b.Name] = b
		result.BundleCount++
		result.ByteSize += b.Size
	}

	// Check 1: plan and output agree
	for _, a := range plan.Assignments {
		if _, ok := built[a.BundleName]; !ok {
			fail("planned bundle %s was not built", a.BundleName)
		}
	}
	for name := range built {
		if _, ok := plan.BundleToGroup[name]; !ok {
			fail("built bundle %s is not in the plan", name)
		}
	}

	// Check 2: explicit assets resolve to their bundle
	for _, a := range plan.Assignments {
		for _, guid := range a.AssetGUIDs {
			name, err := out.Layout.BundleForAsset(guid)
			if err != nil {
				fail("asset %s: %v", guid, err)
				continue
			}
			if name != a.BundleName {
				fail("asset %s built into %s, planned for %s", guid, name, a.BundleName)
			}
		}
	}

	for _, b := range out.Bundles {
		// Check 3: dependencies are built
		for _, dep := range b.Dependencies {
			if _, ok := built[dep]; !ok {
				fail("bundle %s depends on unbuilt bundle %s", b.Name, dep)
			}
		}

		// Check 4: bundle identity
		if b.Hash.IsZero() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("bundle %s has no content hash", b.Name))
		}
		if b.Size <= 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("bundle %s reports no size", b.Name))
		}
	}

	for _, e := range out.Layout.Check() {
		result.Warnings = append(result.Warnings, e.Error())
	}
	return result
}
