package server

import "github.com/logux/logux-server/errors"

// Kind is the stable, wire-safe classification of a server error, reported
// back to clients and logged alongside the stack trace cockroachdb/errors
// already attaches.
type Kind string

const (
	KindWrongFormat      Kind = "wrong-format"
	KindWrongSubprotocol Kind = "wrong-subprotocol"
	KindUnknownType      Kind = "unknown-type"
	KindUnknownChannel   Kind = "unknown-channel"
	KindDenied           Kind = "denied"
	KindBruteforce       Kind = "bruteforce"
	KindTimeout          Kind = "timeout"
	KindBackendError     Kind = "backend-error"
	KindProcessorError   Kind = "error"
	KindAddrInUse        Kind = "EADDRINUSE"
)

// Sentinel errors for conditions callers need to branch on with errors.Is.
var (
	ErrNotFound     = errors.New("server: not found")
	ErrUnauthorized = errors.New("server: unauthorized")
	ErrForbidden    = errors.New("server: forbidden")
	ErrBruteforce   = errors.New("server: too many wrong auth attempts")
	ErrClosed       = errors.New("server: connection closed")
)

// WithKind attaches a Kind to err as a safe detail so it survives
// logging/serialization while still letting callers errors.Is against the
// underlying sentinel.
func WithKind(err error, kind Kind) error {
	return errors.WithDetail(err, string(kind))
}

// KindOf extracts the Kind most recently attached with WithKind, or "" if
// none is present.
func KindOf(err error) Kind {
	details := errors.GetAllDetails(err)
	if len(details) == 0 {
		return ""
	}
	return Kind(details[0])
}

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

// UndoReason is the frozen vocabulary of logux/undo reasons: the string
// recorded in the log and sent to clients, independent of the wire-level
// Kind strings used for "error" protocol frames (KindUnknownType's wire
// form is "unknown-type"; its undo reason is "unknownType").
type UndoReason string

const (
	UndoReasonError        UndoReason = "error"
	UndoReasonDenied       UndoReason = "denied"
	UndoReasonUnknownType  UndoReason = "unknownType"
	UndoReasonWrongChannel UndoReason = "wrongChannel"
)

// UndoReasonFor maps the Kind a pipeline failure was tagged with to the
// frozen undo reason string. Kinds with no dedicated undo reason (backend
// errors, processor panics, ...) fall back to "error".
func UndoReasonFor(kind Kind) UndoReason {
	switch kind {
	case KindDenied:
		return UndoReasonDenied
	case KindUnknownType:
		return UndoReasonUnknownType
	case KindUnknownChannel:
		return UndoReasonWrongChannel
	default:
		return UndoReasonError
	}
}
