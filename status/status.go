// Package status defines the outcome taxonomy shared by all asynchronous
// procedures: every waitable resolves with either a result or one of these
// errors, so callers can branch with errors.Is / errors.As regardless of
// which state machine produced the outcome.
package status

import (
	"errors"
	"fmt"
)

// Code classifies a procedure outcome.
type Code string

const (
	// CodeTimeout means no response arrived within the caller's deadline.
	CodeTimeout Code = "timeout"
	// CodePeerRejected means the peer explicitly rejected the request at the
	// protocol level (e.g. insufficient authorization, attribute not found
	// outside a discovery window).
	CodePeerRejected Code = "peer_rejected"
	// CodeBusy means a duplicate request was made for a procedure that
	// allows only one outstanding instance per connection.
	CodeBusy Code = "busy"
	// CodeAborted means the procedure was cut short by a disconnect or an
	// explicit cancellation.
	CodeAborted Code = "aborted"
	// CodeProtocolViolation means the peer sent a malformed or unexpected
	// event. The violation is logged and surfaced here, never raised.
	CodeProtocolViolation Code = "protocol_violation"
	// CodeDispatchContext means a blocking wait was attempted from the event
	// dispatch goroutine, which is the only context able to resolve it.
	CodeDispatchContext Code = "dispatch_context"
)

// Error is the common error type for procedure outcomes.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is to compare Error values by Code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors for the outcome codes.
var (
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrPeerRejected      = &Error{Code: CodePeerRejected}
	ErrBusy              = &Error{Code: CodeBusy}
	ErrAborted           = &Error{Code: CodeAborted}
	ErrProtocolViolation = &Error{Code: CodeProtocolViolation}
	ErrDispatchContext   = &Error{Code: CodeDispatchContext}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Aborted returns an aborted outcome with the given reason, e.g.
// "peer disconnected".
func Aborted(reason string) *Error {
	return &Error{Code: CodeAborted, Msg: reason}
}

// PartialWriteError reports a long write that was interrupted mid-chain.
// BytesWritten counts only fully acknowledged chunks; BLE prepared writes
// carry no atomic commit guarantee once the chain is cancelled.
type PartialWriteError struct {
	BytesWritten int
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d bytes written before abort", e.BytesWritten)
}

// PairingFailedError reports a failed security procedure along with the
// protocol-level reason.
type PairingFailedError struct {
	Reason string
}

func (e *PairingFailedError) Error() string {
	return fmt.Sprintf("pairing failed: %s", e.Reason)
}

// IsCode reports whether err carries the given outcome code.
func IsCode(err error, code Code) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code == code
	}
	return false
}
