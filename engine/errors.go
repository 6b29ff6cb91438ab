package engine

import (
	"errors"
	"strings"
)

// ErrConnectionUnavailable is returned when an operation is attempted
// before Open completed or after the connection closed.
var ErrConnectionUnavailable = errors.New("connection unavailable")

// UnexpectedConnectionError wraps a handshake or transport-level failure.
// The connection proxy reacts to it by scheduling a reconnect.
type UnexpectedConnectionError struct {
	Err error
}

func (e *UnexpectedConnectionError) Error() string {
	return "unexpected connection error: " + e.Err.Error()
}

func (e *UnexpectedConnectionError) Unwrap() error { return e.Err }

// SessionExpiredError marks an auth failure classified from a backend
// response. Callers must re-authenticate; the core never retries these.
type SessionExpiredError struct {
	Err error
}

func (e *SessionExpiredError) Error() string {
	return "session expired: " + e.Err.Error()
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// ErrorClass partitions failures by how the caller should react.
type ErrorClass int

const (
	// ClassStatement: the backend rejected one specific request.
	// Connection health is unaffected.
	ClassStatement ErrorClass = iota
	// ClassConnectionFatal: the transport is broken; the owner should
	// tear the connection down and reconnect.
	ClassConnectionFatal
	// ClassSessionExpired: credentials are no longer accepted.
	ClassSessionExpired
)

var sessionExpiredMarkers = []string{
	"unauthorized",
	"token expired",
	"invalid token",
	"session expired",
	"authentication failed",
	"not authenticated",
}

// ClassifyError decides how a failure should be handled. RPC errors are
// statement-level unless their message matches the auth-failure taxonomy;
// transport errors are connection-fatal.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassStatement
	}

	var sessErr *SessionExpiredError
	if errors.As(err, &sessErr) {
		return ClassSessionExpired
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		for _, marker := range sessionExpiredMarkers {
			if strings.Contains(msg, marker) {
				return ClassSessionExpired
			}
		}
		return ClassStatement
	}

	if errors.Is(err, ErrConnectionUnavailable) {
		return ClassConnectionFatal
	}
	var connErr *UnexpectedConnectionError
	if errors.As(err, &connErr) {
		return ClassConnectionFatal
	}

	// Anything that is not a backend-reported statement failure is an
	// I/O-level problem with the transport.
	return ClassConnectionFatal
}
