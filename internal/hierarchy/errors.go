package hierarchy

import (
	"errors"
	"fmt"
	"strings"
)

// Rejection sentinels. They are expected, caller-correctable outcomes and are
// always delivered wrapped in a *RejectionError.
var (
	ErrSelfReference  = errors.New("activity cannot be its own parent")
	ErrParentNotFound = errors.New("parent activity not found")
	ErrCycleDetected  = errors.New("parent assignment would create a cycle")
)

// ErrCorruptHierarchy marks a stored hierarchy that already violates the
// forest invariants. It is never a validation outcome.
var ErrCorruptHierarchy = errors.New("corrupt activity hierarchy")

// Reason names a rejected parent assignment.
type Reason string

// Reason values.
const (
	ReasonSelfReference  Reason = "self_reference"
	ReasonParentNotFound Reason = "parent_not_found"
	ReasonCycleDetected  Reason = "cycle_detected"
)

// RejectionError reports a parent assignment the validator refused.
type RejectionError struct {
	Reason     Reason
	ActivityID string
	ParentID   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("reject parent %q for activity %q: %v", e.ParentID, e.ActivityID, e.Unwrap())
}

// Unwrap maps the reason onto its sentinel so errors.Is works.
func (e *RejectionError) Unwrap() error {
	switch e.Reason {
	case ReasonSelfReference:
		return ErrSelfReference
	case ReasonParentNotFound:
		return ErrParentNotFound
	case ReasonCycleDetected:
		return ErrCycleDetected
	default:
		return errors.New(string(e.Reason))
	}
}

// IsRejection reports whether err carries a validator rejection and returns it.
func IsRejection(err error) (*RejectionError, bool) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// CorruptHierarchyError describes where a walk found the forest broken.
// Path is the walk up to and including the repeated id; Unplaced lists ids a
// tree build could not reach from any root.
type CorruptHierarchyError struct {
	Start    string
	Path     []string
	Unplaced []string
}

func (e *CorruptHierarchyError) Error() string {
	switch {
	case len(e.Path) > 0:
		return fmt.Sprintf("%v: ancestor walk from %q revisits a node (%s)", ErrCorruptHierarchy, e.Start, strings.Join(e.Path, " -> "))
	case len(e.Unplaced) > 0:
		return fmt.Sprintf("%v: %d activities unreachable from any root (%s)", ErrCorruptHierarchy, len(e.Unplaced), strings.Join(e.Unplaced, ", "))
	default:
		return ErrCorruptHierarchy.Error()
	}
}

func (e *CorruptHierarchyError) Unwrap() error {
	return ErrCorruptHierarchy
}
