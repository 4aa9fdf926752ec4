package backend

import (
	"errors"
	"fmt"
)

// ConflictError reports a position-uniqueness violation: two writers
// claimed the same (owner, position) pair concurrently. Safe to retry
// against a fresh snapshot.
type ConflictError struct {
	OwnerID string
	Err     error
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("position conflict for owner %s: %v", e.OwnerID, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *ConflictError) Unwrap() error { return e.Err }

// NotFoundError reports an operation on a task that does not exist or
// whose owner cannot be resolved. Treated as a data-integrity error
// and never retried.
type NotFoundError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task not found: %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("task not found: %s", e.ID)
}

// Unwrap returns the underlying error for error chain support.
func (e *NotFoundError) Unwrap() error { return e.Err }

// CapabilityError reports that the store lacks a preferred server-side
// capability, such as the atomic resequence procedure. Callers
// substitute a client-orchestrated fallback; the condition is never
// user-visible.
type CapabilityError struct {
	Capability string
	Err        error
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s unsupported: %v", e.Capability, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *CapabilityError) Unwrap() error { return e.Err }

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsCapability reports whether err is (or wraps) a CapabilityError.
func IsCapability(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
