package utils

import (
	"errors"
	"strings"
	"testing"
)

// TestWrapWithSuggestion verifies the wrapper carries both the cause
// and the hint through the error chain.
func TestWrapWithSuggestion(t *testing.T) {
	cause := errors.New("boom")
	err := WrapWithSuggestion(cause, "try again")

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the wrapped cause")
	}
	var sugg *ErrorWithSuggestion
	if !errors.As(err, &sugg) {
		t.Fatalf("error type = %T, want *ErrorWithSuggestion", err)
	}
	if sugg.GetSuggestion() != "try again" {
		t.Errorf("GetSuggestion() = %q", sugg.GetSuggestion())
	}
}

// TestBackendOfflineSuggestions verifies the offline error picks a
// suggestion matching the failure reason.
func TestBackendOfflineSuggestions(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"dial tcp: lookup db.example.com: no such host", "DNS"},
		{"dial tcp 127.0.0.1:5432: connect: connection refused", "server is running"},
		{"read tcp 10.0.0.1:5432: i/o timeout", "slow or unreachable"},
		{"something else entirely", "internet connection"},
	}

	for _, tt := range tests {
		err := ErrBackendOffline("postgres", tt.reason)

		var sugg *ErrorWithSuggestion
		if !errors.As(err, &sugg) {
			t.Fatalf("ErrBackendOffline(%q) type = %T, want *ErrorWithSuggestion", tt.reason, err)
		}
		if !strings.Contains(sugg.GetSuggestion(), tt.want) {
			t.Errorf("suggestion for %q = %q, want mention of %q", tt.reason, sugg.GetSuggestion(), tt.want)
		}
		if !strings.Contains(err.Error(), "postgres") {
			t.Errorf("Error() = %q, want backend name", err.Error())
		}
	}
}
