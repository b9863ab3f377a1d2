package settings

import (
	"errors"
	"fmt"
)

// ErrPolicyViolation is matched by every PolicyViolationError.
var ErrPolicyViolation = errors.New("group policy violation")

// PolicyViolationError reports an operation a group's policy forbids.
// It stops the build.
type PolicyViolationError struct {
	Entry  string
	Group  string
	Reason string
	Err    error
}

func (e *PolicyViolationError) Error() string {
	msg := fmt.Sprintf("policy violation: entry %s in group %q: %s", e.Entry, e.Group, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PolicyViolationError) Unwrap() error { return e.Err }

func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }
