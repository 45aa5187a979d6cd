package errors

import (
	goerrors "errors"
	"fmt"
	"io/fs"
)

// Kind classifies transport failures so callers can tell programmer errors,
// filesystem problems and connection problems apart.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks malformed arguments or conflicting options.
	KindValidation
	// KindInternal marks lifecycle misuse, e.g. an operation before Open.
	KindInternal
	// KindIO marks filesystem-level failures; Path is set.
	KindIO
	KindConnection
	KindHostKey
	KindAuth
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInternal:
		return "internal"
	case KindIO:
		return "io"
	case KindConnection:
		return "connection"
	case KindHostKey:
		return "host key"
	case KindAuth:
		return "authentication"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Sentinels for errors.Is.
var (
	ErrNotOpen    = goerrors.New("transport is not open")
	ErrValidation = goerrors.New("invalid argument")
	ErrExist      = fs.ErrExist
	ErrNotExist   = fs.ErrNotExist
	ErrPermission = fs.ErrPermission
)

// TransportError is the single error type that crosses the Transport boundary.
type TransportError struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the lifecycle and validation sentinels by kind.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrNotOpen:
		return e.Kind == KindInternal && goerrors.Is(e.Err, ErrNotOpen)
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

// Validation reports malformed arguments.
func Validation(op, path, format string, args ...any) error {
	return &TransportError{Kind: KindValidation, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// Internal reports lifecycle misuse.
func Internal(op string, err error) error {
	return &TransportError{Kind: KindInternal, Op: op, Err: err}
}

// NotOpen is returned by every operation called on a closed transport.
func NotOpen(op string) error {
	return Internal(op, ErrNotOpen)
}

// IO reports a filesystem failure on path.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if goerrors.As(err, &te) {
		return err
	}
	return &TransportError{Kind: KindIO, Op: op, Path: path, Err: err}
}

// IOf reports a filesystem failure described by a message wrapping base.
func IOf(op, path string, base error, format string, args ...any) error {
	return &TransportError{Kind: KindIO, Op: op, Path: path, Err: fmt.Errorf(format+": %w", append(args, base)...)}
}

// Connection reports a connection-level failure of the given kind.
func Connection(kind Kind, op string, err error) error {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first TransportError in err's chain.
func KindOf(err error) Kind {
	var te *TransportError
	if goerrors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// PathOf returns the offending path carried by err, if any.
func PathOf(err error) string {
	var te *TransportError
	if goerrors.As(err, &te) {
		return te.Path
	}
	return ""
}

// IsRetryable reports whether err is a connection problem that may clear up
// by itself. Host key, authentication and usage errors need reconfiguration.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	}
	return false
}
