package lockstep

import (
	"errors"
	"fmt"
)

// Class tells the frame loop what to do with an error.
type Class uint8

const (
	// ClassNone is returned for a nil error and for ErrQuit.
	ClassNone Class = iota
	// ClassRecoverable errors are logged and the loop continues.
	ClassRecoverable
	// ClassProtocol errors abort the peer connection; the loop continues standalone.
	ClassProtocol
	// ClassFatal errors stop the process.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRecoverable:
		return "recoverable"
	case ClassProtocol:
		return "protocol"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrProtocolViolation marks a peer breaking the handshake or scheduling contract.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownHandler marks a due event with no registered handler.
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrLateFrame marks the loop falling behind beyond tolerance under a fatal policy.
	ErrLateFrame = errors.New("late frame")
	// ErrDisconnected marks the peer stream ending or failing.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrConnect marks a failed outbound connection attempt.
	ErrConnect = errors.New("connect failed")
	// ErrQuit is returned by a handler to end the session after the current frame.
	ErrQuit = errors.New("quit")
	// ErrReservedName rejects scheduling a handshake record name.
	ErrReservedName = errors.New("reserved event name")
	// ErrFrameDrained rejects adding to a frame that has already been dispatched.
	ErrFrameDrained = errors.New("frame already drained")
)

// Error attaches a class and the frame it happened on to an underlying error.
type Error struct {
	Class Class
	Op    string
	Frame Frame
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at frame %d: %v", e.Op, e.Frame, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(class Class, op string, frame Frame, err error) *Error {
	return &Error{Class: class, Op: op, Frame: frame, Err: err}
}

// Classify maps an error onto the frame loop's continue / abort decision.
func Classify(err error) Class {
	if err == nil || errors.Is(err, ErrQuit) {
		return ClassNone
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Class != ClassNone {
		return classified.Class
	}
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return ClassProtocol
	case errors.Is(err, ErrLateFrame), errors.Is(err, ErrDisconnected), errors.Is(err, ErrConnect):
		return ClassFatal
	default:
		return ClassRecoverable
	}
}
