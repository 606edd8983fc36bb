package rpchub

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/nuclio/errors"
)

var ErrAlreadyDisposed = fmt.Errorf("rpchub: hub already disposed")
var ErrPeerTerminal = fmt.Errorf("rpchub: peer is terminal")
var ErrCancelled = fmt.Errorf("rpchub: call cancelled")
var ErrNotFound = fmt.Errorf("rpchub: service or method not found")
var ErrNestedOutboundContext = fmt.Errorf("rpchub: an outbound context is already active for this call")
var ErrUnknownFormat = fmt.Errorf("rpchub: unknown serialization format")
var ErrProtocolViolation = fmt.Errorf("rpchub: protocol violation")
var ErrConnectionRejected = fmt.Errorf("rpchub: connection rejected")
var ErrPeerRetriesExhausted = fmt.Errorf("rpchub: could not obtain a live peer")
var ErrChannelClosed = fmt.Errorf("rpchub: channel closed")
var ErrNoMethod = fmt.Errorf("rpchub: call has no bound method")
var ErrRerouteLimit = fmt.Errorf("rpchub: reroute limit reached")
var ErrNoWaitResult = fmt.Errorf("rpchub: fire-and-forget methods have no result; use Hub.Send")
var ErrInternal = fmt.Errorf("rpchub: internal error")

// RemoteError is an application error produced by the
// remote invocation. Only its root cause crosses the wire.
type RemoteError struct {
	Kind    string `msgpack:"kind" json:"kind"`
	Message string `msgpack:"message" json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// InternalError marks a broken engine invariant, as
// opposed to a network or application failure.
type InternalError struct {
	What string
}

func (e *InternalError) Error() string {
	return "rpchub internal error: " + e.What
}

func (e *InternalError) Unwrap() error { return ErrInternal }

func newInternalError(format string, a ...interface{}) *InternalError {
	return &InternalError{What: fmt.Sprintf(format, a...)}
}

// baseError is what an inbound call reports back: the
// innermost cause, after nuclio and %w wrapping alike.
func baseError(err error) error {
	if err == nil {
		return nil
	}
	for {
		root := errors.RootCause(err)
		if root == nil {
			root = err
		}
		switch root.(type) {
		case *RemoteError, *InternalError:
			return root
		}
		next := stderrors.Unwrap(root)
		if next == nil {
			return root
		}
		err = next
	}
}

func errorKind(err error) string {
	switch e := err.(type) {
	case *RemoteError:
		return e.Kind
	case *InternalError:
		return "internal"
	}
	switch {
	case isErr(err, ErrCancelled):
		return "cancelled"
	case isErr(err, ErrNotFound):
		return "not_found"
	}
	return fmt.Sprintf("%T", err)
}

// isErr is errors.Is that also sees through nuclio wrapping.
func isErr(err, target error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, target) {
		return true
	}
	return stderrors.Is(baseError(err), target)
}

// IsTerminal reports whether err means the peer is gone for good
// and the call should be rerouted rather than retried in place.
func IsTerminal(err error) bool {
	return isErr(err, ErrPeerTerminal)
}

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return isErr(err, ErrCancelled) || isErr(err, context.Canceled)
}

// IsRemote reports whether err was raised by the remote application code.
func IsRemote(err error) bool {
	var re *RemoteError
	if stderrors.As(err, &re) {
		return true
	}
	_, ok := baseError(err).(*RemoteError)
	return ok
}

// IsInternal reports an engine invariant violation.
func IsInternal(err error) bool {
	var ie *InternalError
	if stderrors.As(err, &ie) {
		return true
	}
	_, ok := baseError(err).(*InternalError)
	return ok
}

// DefaultTerminalErrorDetector classifies explicit rejection and
// protocol violations as unrecoverable. Everything else, including
// io.EOF and network errors, is transient and leads to a reconnect.
func DefaultTerminalErrorDetector(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return false
	}
	return isErr(err, ErrProtocolViolation) ||
		isErr(err, ErrConnectionRejected) ||
		isErr(err, ErrUnknownFormat) ||
		isErr(err, ErrPeerTerminal)
}
