package channels

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrConnection("telegram", "dial bridge", cause)

	msg := err.Error()
	for _, part := range []string{"CONNECTION_ERROR", "telegram", "dial bridge", "connection refused"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestGetErrorCode(t *testing.T) {
	if code := GetErrorCode(ErrAuth("slack", "bad token", nil)); code != ErrCodeAuth {
		t.Errorf("code = %v, want %v", code, ErrCodeAuth)
	}
	wrapped := fmt.Errorf("outer: %w", ErrTimeout("api", "slow", nil))
	if code := GetErrorCode(wrapped); code != ErrCodeTimeout {
		t.Errorf("wrapped code = %v, want %v", code, ErrCodeTimeout)
	}
	if code := GetErrorCode(errors.New("plain")); code != ErrCodeInternal {
		t.Errorf("foreign error code = %v, want %v", code, ErrCodeInternal)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrConnection("x", "down", nil), true},
		{ErrTimeout("x", "slow", nil), true},
		{ErrNotConnected("x"), true},
		{ErrAuth("x", "denied", nil), false},
		{ErrInvalidMessage("x", "too long", nil), false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
