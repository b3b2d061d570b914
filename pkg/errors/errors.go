// Package errors defines the mixer client's error taxonomy. Errors that the
// client produces on its Check and quota paths are *MixerError values (also
// found via errors.As), so callers can branch on Code without string
// matching; errors from tracing setup in New and from Close are passed
// through as they come.
package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code classifies a MixerError. The taxonomy is fixed by the wire protocol:
// most codes are forwarded unchanged from the server; a handful are
// synthesized locally by this library.
type Code int

const (
	// InvalidArgument marks malformed input: an unconfigured transport, an
	// attribute bag that fails basic validation, and similar caller errors.
	InvalidArgument Code = iota
	// NotFound is an internal cache-miss signal. It must never be returned
	// from Client.Check or Client.Report — the façade always converts a
	// NotFound into a network round trip before returning to the caller.
	NotFound
	// ResourceExhausted means a quota was rejected; Message names the
	// offending quotas.
	ResourceExhausted
	// Unavailable means the transport failed (stream error, connection
	// refused, and so on).
	Unavailable
	// Cancelled means the caller explicitly cancelled a pending operation
	// via its cancel handle.
	Cancelled
	// Forwarded wraps a status code the Mixer server itself returned,
	// passed through unchanged.
	Forwarded
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case Unavailable:
		return "UNAVAILABLE"
	case Cancelled:
		return "CANCELLED"
	case Forwarded:
		return "FORWARDED"
	default:
		return "UNKNOWN"
	}
}

// GRPCCode maps a Code onto the grpc/codes space, for transports that need
// to surface a MixerError over a gRPC status.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case ResourceExhausted:
		return codes.ResourceExhausted
	case Unavailable:
		return codes.Unavailable
	case Cancelled:
		return codes.Canceled
	default:
		return codes.Unknown
	}
}

// MixerError is the standard error shape returned by this library.
type MixerError struct {
	Code Code
	// ServerCode carries the original server status when Code == Forwarded.
	ServerCode codes.Code
	Message    string
	// Retryable indicates whether a caller may usefully retry the
	// operation that produced this error (distinct from the transport's
	// own retry policy, which this library does not implement).
	Retryable bool
}

// Error implements the error interface.
func (e *MixerError) Error() string {
	if e.Code == Forwarded {
		return fmt.Sprintf("[%s] %s (server_code=%s)", e.Code, e.Message, e.ServerCode)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New builds a MixerError of the given code.
func New(code Code, message string) *MixerError {
	return &MixerError{Code: code, Message: message, Retryable: code == Unavailable}
}

// NewInvalidArgument builds an InvalidArgument error.
func NewInvalidArgument(message string) *MixerError {
	return &MixerError{Code: InvalidArgument, Message: message}
}

// NewResourceExhausted builds a ResourceExhausted error naming the rejected
// quotas.
func NewResourceExhausted(message string) *MixerError {
	return &MixerError{Code: ResourceExhausted, Message: message}
}

// NewUnavailable builds an Unavailable error for a transport failure.
func NewUnavailable(message string) *MixerError {
	return &MixerError{Code: Unavailable, Message: message, Retryable: true}
}

// NewCancelled builds a Cancelled error for an explicitly abandoned
// operation.
func NewCancelled(message string) *MixerError {
	return &MixerError{Code: Cancelled, Message: message}
}

// Forward wraps a server-originated status unchanged.
func Forward(serverCode codes.Code, message string) *MixerError {
	return &MixerError{Code: Forwarded, ServerCode: serverCode, Message: message}
}

// IsNotFound reports whether err is the internal cache-miss signal. Used
// only inside this module — callers of Client.Check never observe it.
func IsNotFound(err error) bool {
	me, ok := err.(*MixerError) //nolint:errorlint // single concrete error type in this package, no wrapping chain
	return ok && me.Code == NotFound
}
