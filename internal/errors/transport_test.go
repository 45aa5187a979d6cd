package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestTransportError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not open", NotOpen("put"), ErrNotOpen, true},
		{"double open is internal but not ErrNotOpen", Internal("open", fmt.Errorf("already open")), ErrNotOpen, false},
		{"validation", Validation("put", "", "empty path"), ErrValidation, true},
		{"io not exist", IO("get", "/x", fs.ErrNotExist), ErrNotExist, true},
		{"io exist", IO("putfile", "/x", fs.ErrExist), ErrExist, true},
		{"io permission", IO("chmod", "/x", fs.ErrPermission), ErrPermission, true},
		{"io is not validation", IO("get", "/x", fs.ErrNotExist), ErrValidation, false},
		{"wrapped", fmt.Errorf("outer: %w", NotOpen("get")), ErrNotOpen, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestTransportError_Message(t *testing.T) {
	err := IOf("rename", "/a", fs.ErrExist, "destination %s", "/b")
	want := "rename /a: destination /b: file already exists"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if PathOf(err) != "/a" {
		t.Errorf("PathOf() = %q, want /a", PathOf(err))
	}
}

func TestIO_KeepsExistingTransportError(t *testing.T) {
	inner := Validation("put", "", "bad")
	if got := IO("put", "/x", inner); got != inner {
		t.Errorf("IO() should not rewrap a TransportError")
	}
	if IO("put", "/x", nil) != nil {
		t.Error("IO(nil) should be nil")
	}
}

func TestKindOfAndRetryable(t *testing.T) {
	tests := []struct {
		err       error
		kind      Kind
		retryable bool
	}{
		{Connection(KindConnection, "open", fmt.Errorf("reset")), KindConnection, true},
		{Connection(KindTimeout, "open", fmt.Errorf("timeout")), KindTimeout, true},
		{Connection(KindHostKey, "open", fmt.Errorf("mismatch")), KindHostKey, false},
		{Connection(KindAuth, "open", fmt.Errorf("denied")), KindAuth, false},
		{Validation("open", "", "both proxies"), KindValidation, false},
		{fmt.Errorf("plain"), KindUnknown, false},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.kind)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}
