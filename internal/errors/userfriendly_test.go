package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUserFriendlyError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      UserFriendlyError
		contains []string
	}{
		{
			name:     "message only",
			err:      UserFriendlyError{Message: "something broke"},
			contains: []string{"something broke"},
		},
		{
			name: "all fields",
			err: UserFriendlyError{
				Message: "connection failed",
				Reason:  "timeout",
				Hint:    "check network",
				Try:     "ping host",
				Err:     fmt.Errorf("dial tcp: timeout"),
			},
			contains: []string{"connection failed", "Reason: timeout", "Hint: check network", "Try: ping host", "Details: dial tcp: timeout"},
		},
		{
			name: "no reason",
			err: UserFriendlyError{
				Message: "failed",
				Hint:    "hint here",
			},
			contains: []string{"failed", "Hint: hint here"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("Error() = %q, want to contain %q", msg, s)
				}
			}
		})
	}
}

func TestUserFriendlyError_ErrorOmitsEmptyFields(t *testing.T) {
	err := UserFriendlyError{Message: "msg"}
	msg := err.Error()
	if strings.Contains(msg, "Reason:") || strings.Contains(msg, "Hint:") || strings.Contains(msg, "Try:") || strings.Contains(msg, "Details:") {
		t.Errorf("Error() = %q, should not contain empty fields", msg)
	}
}

func TestUserFriendlyError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	err := UserFriendlyError{Message: "wrapper", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Unwrap should return the inner error")
	}

	var nilErr UserFriendlyError
	if nilErr.Unwrap() != nil {
		t.Error("Unwrap on nil Err should return nil")
	}
}

func TestWrapConnectionError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if WrapConnectionError(nil, "cluster", 22) != nil {
			t.Error("expected nil")
		}
	})

	t.Run("timeout error", func(t *testing.T) {
		err := WrapConnectionError(fmt.Errorf("dial tcp: i/o timeout"), "cluster", 22)
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Message, "cluster:22") {
			t.Errorf("message should contain address, got %q", ufe.Message)
		}
		if !strings.Contains(ufe.Reason, "timeout") {
			t.Errorf("reason should mention timeout, got %q", ufe.Reason)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		err := WrapConnectionError(fmt.Errorf("connection refused"), "cluster", 22)
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Reason, "refused") {
			t.Errorf("reason should mention refused, got %q", ufe.Reason)
		}
	})

	t.Run("host key hint", func(t *testing.T) {
		err := WrapConnectionError(Connection(KindHostKey, "open", fmt.Errorf("key mismatch")), "cluster", 22)
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Hint, "known_hosts") {
			t.Errorf("hint should mention known_hosts, got %q", ufe.Hint)
		}
	})

	t.Run("auth hint", func(t *testing.T) {
		err := WrapConnectionError(Connection(KindAuth, "open", fmt.Errorf("ssh: unable to authenticate")), "cluster", 22)
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Hint, "Authentication") {
			t.Errorf("hint should mention authentication, got %q", ufe.Hint)
		}
		if ufe.Reason != "Authentication rejected by server" {
			t.Errorf("unexpected reason: %q", ufe.Reason)
		}
	})

	t.Run("generic network error", func(t *testing.T) {
		err := WrapConnectionError(fmt.Errorf("something else"), "cluster", 22)
		ufe := err.(UserFriendlyError)
		if ufe.Reason != "Network communication failed" {
			t.Errorf("unexpected reason: %q", ufe.Reason)
		}
	})
}

func TestWrapTransportError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if WrapTransportError(nil, "put") != nil {
			t.Error("expected nil")
		}
	})

	t.Run("io error hints at path", func(t *testing.T) {
		err := WrapTransportError(IO("get", "/scratch/out.dat", ErrNotExist), "get")
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Message, "get") {
			t.Errorf("message should contain operation, got %q", ufe.Message)
		}
		if ufe.Reason != "Filesystem operation failed" {
			t.Errorf("unexpected reason: %q", ufe.Reason)
		}
		if !strings.Contains(ufe.Hint, "/scratch/out.dat") {
			t.Errorf("hint should mention path, got %q", ufe.Hint)
		}
	})

	t.Run("timeout is retryable", func(t *testing.T) {
		err := WrapTransportError(Connection(KindTimeout, "open", fmt.Errorf("i/o timeout")), "open")
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Hint, "retrying") {
			t.Errorf("hint should suggest retry, got %q", ufe.Hint)
		}
	})

	t.Run("not open", func(t *testing.T) {
		err := WrapTransportError(NotOpen("listdir"), "listdir")
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Reason, "lifecycle") {
			t.Errorf("unexpected reason: %q", ufe.Reason)
		}
	})
}

func TestWrapConfigError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if WrapConfigError(nil, "computer.yaml") != nil {
			t.Error("expected nil")
		}
	})

	t.Run("wraps config error", func(t *testing.T) {
		err := WrapConfigError(fmt.Errorf("invalid yaml"), "cluster.yaml")
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Message, "cluster.yaml") {
			t.Errorf("message should contain config path, got %q", ufe.Message)
		}
		if ufe.Reason != "invalid yaml" {
			t.Errorf("reason should be inner error message, got %q", ufe.Reason)
		}
		if !strings.Contains(ufe.Hint, "CONFIGURATION.md") {
			t.Errorf("hint should reference docs, got %q", ufe.Hint)
		}
	})
}
