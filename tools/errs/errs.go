// Package errs defines the error vocabulary of the client core.
//
// Transport and protocol errors reject the pending request they belong to and
// travel to the caller through the continuation chain. Storage errors are
// reported to the immediate caller and never propagate across the dispatch
// boundary.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned when a request is attempted with no live
// transport connection.
var ErrNotConnected = errors.New("not connected")

// ErrAlreadyConnected is the non-fatal signal returned by Connect when the
// session already holds a live connection.
var ErrAlreadyConnected = errors.New("already connected")

// InvalidReplyError indicates a server reply whose shape does not match the
// request that provoked it.
type InvalidReplyError struct {
	Reason string
}

func (e *InvalidReplyError) Error() string {
	return "invalid reply: " + e.Reason
}

func InvalidReply(reason string) error {
	return &InvalidReplyError{Reason: reason}
}

// InvalidStateError indicates a violated internal invariant, such as a
// missing session in a continuation.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

func InvalidState(reason string) error {
	return &InvalidStateError{Reason: reason}
}

// ServerError carries a non-success status returned by the server for a
// specific request: the numeric code, the status text and the optional
// "what" context parameter.
type ServerError struct {
	Code int
	Text string
	What string
}

func (e *ServerError) Error() string {
	if e.What != "" {
		return fmt.Sprintf("server: %d %s (%s)", e.Code, e.Text, e.What)
	}
	return fmt.Sprintf("server: %d %s", e.Code, e.Text)
}

// IsAuthFailure reports whether the code is in the 400-499 range that forces
// the session out of the authenticated state.
func (e *ServerError) IsAuthFailure() bool {
	return e.Code >= 400 && e.Code < 500
}

// AsServerError unwraps err into a *ServerError if it is one.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// StorageError reports a failed atomic unit. Op names the unit that rolled
// back.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
	}
	return "storage: " + e.Op
}

func (e *StorageError) Unwrap() error { return e.Cause }

func Storage(op string, cause error) error {
	return &StorageError{Op: op, Cause: cause}
}

// ErrDisconnected is the rejection handed to every pending request when the
// session is torn down.
var ErrDisconnected = errors.New("disconnected")
