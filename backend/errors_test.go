package backend

import (
	"errors"
	"fmt"
	"testing"
)

// TestConflictErrorDetection verifies IsConflict sees through wrapping.
func TestConflictErrorDetection(t *testing.T) {
	base := &ConflictError{OwnerID: "o1", Err: errors.New("duplicate key")}
	wrapped := fmt.Errorf("enqueue attempt 2: %w", base)

	if !IsConflict(base) {
		t.Error("IsConflict(base) = false, want true")
	}
	if !IsConflict(wrapped) {
		t.Error("IsConflict(wrapped) = false, want true")
	}
	if IsConflict(errors.New("boom")) {
		t.Error("IsConflict(plain) = true, want false")
	}
}

// TestNotFoundErrorDetection verifies IsNotFound and message shape.
func TestNotFoundErrorDetection(t *testing.T) {
	err := &NotFoundError{ID: "t-42"}
	if !IsNotFound(err) {
		t.Error("IsNotFound = false, want true")
	}
	if IsConflict(err) {
		t.Error("IsConflict(not-found) = true, want false")
	}
	if err.Error() != "task not found: t-42" {
		t.Errorf("Error() = %q", err.Error())
	}
}

// TestCapabilityErrorDetection verifies the capability variant is a
// distinct kind.
func TestCapabilityErrorDetection(t *testing.T) {
	err := &CapabilityError{Capability: "resequence procedure", Err: errors.New("42883")}
	if !IsCapability(err) {
		t.Error("IsCapability = false, want true")
	}
	if IsConflict(err) || IsNotFound(err) {
		t.Error("capability error matched another kind")
	}
}

// TestErrorUnwrap verifies errors.Is reaches the wrapped cause.
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ConflictError{OwnerID: "o1", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the wrapped cause")
	}
}
