package errors

import (
	"fmt"
	"strings"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapConnectionError wraps SSH connection errors with user-friendly context
func WrapConnectionError(err error, host string, port int) error {
	if err == nil {
		return nil
	}

	hint := "The host may be unreachable, or the SSH server may reject this client"
	switch KindOf(err) {
	case KindHostKey:
		hint = "The server host key is unknown or has changed; check known_hosts or the key_policy setting"
	case KindAuth:
		hint = "Authentication failed; check username, key_filename, allow_agent and authentication_script"
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to connect to %s:%d", host, port),
		Reason:  extractNetworkReason(err),
		Hint:    hint,
		Try:     fmt.Sprintf("ssh -p %d %s true", port, host),
		Err:     err,
	}
}

// WrapTransportError wraps a failed transport operation for display
func WrapTransportError(err error, operation string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Transport operation failed: %s", operation),
		Reason:  extractTransportReason(err),
		Hint:    transportHint(err),
		Err:     err,
	}
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "See docs/CONFIGURATION.md for computer profile examples",
		Try:     fmt.Sprintf("Generate a template: hpcxfer init-config %s", configPath),
		Err:     err,
	}
}

func extractNetworkReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timeout - host may be offline or unreachable"
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - no SSH server listening on this port"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network routing issue or host unreachable"
	}
	if strings.Contains(errStr, "connection reset") {
		return "Connection reset - server closed the connection unexpectedly"
	}
	if strings.Contains(errStr, "unable to authenticate") {
		return "Authentication rejected by server"
	}

	return "Network communication failed"
}

func extractTransportReason(err error) string {
	switch KindOf(err) {
	case KindInternal:
		return "Transport used outside its open/close lifecycle"
	case KindValidation:
		return "Invalid arguments"
	case KindIO:
		return "Filesystem operation failed"
	case KindHostKey, KindAuth, KindConnection, KindTimeout:
		return "Connection problem"
	}
	return "Operation failed"
}

func transportHint(err error) string {
	if IsRetryable(err) {
		return "This looks transient; retrying later may succeed"
	}
	if path := PathOf(err); path != "" {
		return "Check that " + path + " exists and is accessible"
	}
	return ""
}
