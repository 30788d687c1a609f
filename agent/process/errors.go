package process

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates that an RPC failed: network errors, rejected requests, streams closed early.
	ErrTransport = errors.New("transport error")

	// ErrProtocol indicates that the server broke the event stream contract.
	ErrProtocol = errors.New("protocol error")

	// ErrCanceled indicates that the client gave up on a call or a stream before it completed.
	ErrCanceled = errors.New("canceled")

	// ErrProcess indicates that the server reported an error for the process, such as termination by a signal.
	ErrProcess = errors.New("process error")

	// ErrCallback indicates that an output callback returned an error.
	ErrCallback = errors.New("output callback error")
)

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// CancellationError is returned when a request timeout, a stream timeout or an explicit Disconnect
// stopped a call before it completed. Err is the context error that caused it.
type CancellationError struct {
	Op  string
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s canceled: %s", e.Op, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

func (e *CancellationError) Is(target error) bool { return target == ErrCanceled }

// ProcessError is an error reported by the server in the exit event of a process.
// A nonzero exit code alone is not a ProcessError.
type ProcessError struct {
	PID      int
	ExitCode int
	Message  string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %d failed with exit code %d: %s", e.PID, e.ExitCode, e.Message)
}

func (e *ProcessError) Is(target error) bool { return target == ErrProcess }

type CallbackError struct {
	Stream Stream
	Err    error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback: %s", e.Stream, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

func (e *CallbackError) Is(target error) bool { return target == ErrCallback }

// IsCanceled reports whether err was caused by the client abandoning a call or stream.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
