// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty, unique values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound,
		ErrStoreFailed, ErrInitFailed, ErrCorruptData,
		ErrInvalidAction, ErrInvalidPayload,
		ErrSyncFailed, ErrSyncInProgress, ErrSyncConflict,
		ErrRemoteTransient, ErrRemoteRejected, ErrOffline,
		ErrConfigInvalid,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("Error code should not be empty")
		}
		if seen[code] {
			t.Errorf("Duplicate error code: %s", code)
		}
		seen[code] = true
	}
}

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	err := New(ErrInvalidAction, "action type required")
	if got := err.Error(); got != "[INVALID_ACTION] action type required" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrStoreFailed, "save queue", errors.New("disk full"))
	if !strings.Contains(wrapped.Error(), "disk full") {
		t.Errorf("Error() = %q, want cause included", wrapped.Error())
	}
	if !strings.HasPrefix(wrapped.Error(), "[STORE_FAILED]") {
		t.Errorf("Error() = %q, want code prefix", wrapped.Error())
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrInvalidPayload, "field %s is required", "title")
	if err.Message != "field title is required" {
		t.Errorf("Message = %q", err.Message)
	}
}

// TestWrap_unwrap verifies stdlib errors.Is sees the wrapped cause.
func TestWrap_unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrInitFailed, "init", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
}

// TestIs verifies code matching through fmt.Errorf wrapping.
func TestIs(t *testing.T) {
	base := New(ErrOffline, "device offline")
	wrapped := fmt.Errorf("sync: %w", base)

	if !Is(wrapped, ErrOffline) {
		t.Error("Is() should match a code through %w wrapping")
	}
	if Is(wrapped, ErrSyncFailed) {
		t.Error("Is() should not match a different code")
	}
	if Is(errors.New("plain"), ErrOffline) {
		t.Error("Is() should not match a plain error")
	}
	if Is(nil, ErrOffline) {
		t.Error("Is() should not match nil")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrCorruptData, "decode", nil)); got != ErrCorruptData {
		t.Errorf("CodeOf() = %q, want %q", got, ErrCorruptData)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}
