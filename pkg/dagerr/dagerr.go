// Package dagerr defines the typed error kinds shared across the storage,
// transaction, instance and sync layers.
package dagerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the recoverable and fatal error categories an operation
// can fail with. Callers use errors.Is/errors.As against these rather than
// string-matching messages.
type Kind int

const (
	// NotFound is returned when a lookup by ID misses.
	NotFound Kind = iota
	// InvalidEntry covers hash mismatches, signature failures, and malformed entries.
	InvalidEntry
	// PermissionDenied covers key-verification failures against database auth settings.
	PermissionDenied
	// PeerNotFound is returned when an operation names an unregistered peer.
	PeerNotFound
	// NoTransportEnabled is returned when the background runtime has no active transport.
	NoTransportEnabled
	// InvalidRequestState covers a bootstrap request transition attempted from a non-Pending state.
	InvalidRequestState
	// InsufficientPermission is returned when an approver lacks Admin permission.
	InsufficientPermission
	// BootstrapPending carries a RequestID back to the caller.
	BootstrapPending
	// CycleDetected indicates backend corruption: a context that should be acyclic isn't.
	CycleDetected
	// ChannelClosed indicates the background sync runtime is gone.
	ChannelClosed
	// TransportError covers network/transport failures, always retryable.
	TransportError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidEntry:
		return "invalid_entry"
	case PermissionDenied:
		return "permission_denied"
	case PeerNotFound:
		return "peer_not_found"
	case NoTransportEnabled:
		return "no_transport_enabled"
	case InvalidRequestState:
		return "invalid_request_state"
	case InsufficientPermission:
		return "insufficient_permission"
	case BootstrapPending:
		return "bootstrap_pending"
	case CycleDetected:
		return "cycle_detected"
	case ChannelClosed:
		return "channel_closed"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, an optional wrapped
// cause, and (for BootstrapPending) the RequestID the caller needs to poll
// or surface to an administrator.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, dagerr.New(dagerr.NotFound, "")) matches by Kind;
// Is(err, Kind) below is the shorter form of that check.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs a plain *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Pending constructs a BootstrapPending error carrying a request ID.
func Pending(requestID, message string) *Error {
	return &Error{Kind: BootstrapPending, Message: message, RequestID: requestID}
}

// Is reports whether err is a *Error of the given kind, anywhere in its chain.
func Is(err error, kind Kind) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}

// RequestIDOf extracts the RequestID from a BootstrapPending error, if any.
func RequestIDOf(err error) (string, bool) {
	var derr *Error
	if errors.As(err, &derr) && derr.Kind == BootstrapPending {
		return derr.RequestID, true
	}
	return "", false
}
