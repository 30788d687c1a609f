package process

import (
	"fmt"
	"syscall"
)

// readLimit is the max size of a single WebSocket message in either direction.
const readLimit = 32768

// Stream identifies an output stream of a process.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Event is one item of a process event stream.
// The set of events is closed: StartEvent, OutputEvent and ExitEvent are the only implementations.
type Event interface {
	isEvent()
}

// StartEvent is always the first event of a stream, and occurs exactly once.
type StartEvent struct {
	PID int
}

// OutputEvent holds a chunk of output of the process.
type OutputEvent struct {
	Stream Stream
	Data   []byte
}

// ExitEvent is always the last event of a stream.
type ExitEvent struct {
	ExitCode int
	// Exited is false if the process was terminated by a signal.
	Exited bool
	Status string
	// Error is set by the server if the process did not exit on its own terms.
	Error string
}

func (StartEvent) isEvent()  {}
func (OutputEvent) isEvent() {}
func (ExitEvent) isEvent()   {}

// ProcessInfo describes a process running in the sandbox.
type ProcessInfo struct {
	PID  int               `json:"pid"`
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	User string            `json:"user,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Envs map[string]string `json:"envs,omitempty"`
}

// StartRequest is the first and only message a client sends on a start stream.
type StartRequest struct {
	User string            `json:"user"`
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Envs map[string]string `json:"envs,omitempty"`
}

type SignalRequest struct {
	PID    int
	Signal syscall.Signal
}

// ProcessOutput is the collected output of a process.
type ProcessOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Error is the error reported by the server, if any.
	Error string
}

// eventFrame is the wire form of an Event.
// Exactly one field must be set.
type eventFrame struct {
	Start  *startFrame `json:",omitempty"`
	Stdout []byte      `json:",omitempty"`
	Stderr []byte      `json:",omitempty"`
	End    *endFrame   `json:",omitempty"`
}

type startFrame struct {
	PID int
}

type endFrame struct {
	ExitCode int
	Exited   bool
	Status   string
	Error    string `json:",omitempty"`
}

func (f eventFrame) event() (Event, error) {
	set := 0
	var ev Event
	if f.Start != nil {
		set++
		ev = StartEvent{PID: f.Start.PID}
	}
	if f.Stdout != nil {
		set++
		ev = OutputEvent{Stream: Stdout, Data: f.Stdout}
	}
	if f.Stderr != nil {
		set++
		ev = OutputEvent{Stream: Stderr, Data: f.Stderr}
	}
	if f.End != nil {
		set++
		ev = ExitEvent{ExitCode: f.End.ExitCode, Exited: f.End.Exited, Status: f.End.Status, Error: f.End.Error}
	}
	if set != 1 {
		return nil, &ProtocolError{Msg: fmt.Sprintf("frame must carry exactly one event, got %d", set)}
	}
	return ev, nil
}

func frameOf(ev Event) eventFrame {
	switch e := ev.(type) {
	case StartEvent:
		return eventFrame{Start: &startFrame{PID: e.PID}}
	case OutputEvent:
		if e.Stream == Stderr {
			return eventFrame{Stderr: e.Data}
		}
		return eventFrame{Stdout: e.Data}
	case ExitEvent:
		return eventFrame{End: &endFrame{ExitCode: e.ExitCode, Exited: e.Exited, Status: e.Status, Error: e.Error}}
	default:
		panic(fmt.Sprintf("unknown event type %T", ev))
	}
}

type signalMessage struct {
	Signal string
}

type listResponse struct {
	Processes []ProcessInfo
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
}

func signalName(sig syscall.Signal) (string, bool) {
	name, ok := signalNames[sig]
	return name, ok
}

func parseSignal(name string) (syscall.Signal, bool) {
	for sig, n := range signalNames {
		if n == name {
			return sig, true
		}
	}
	return 0, false
}
