package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// OutputFunc receives a chunk of process output.
// Returning an error fails the Handle and abandons its stream.
type OutputFunc func(data string) error

// WriterFunc returns an OutputFunc that writes every chunk to w.
func WriterFunc(w io.Writer) OutputFunc {
	return func(data string) error {
		_, err := io.WriteString(w, data)
		return err
	}
}

// State is the completion state of a Handle.
type State int

const (
	StatePending  State = iota // stream still open
	StateExited                // exit event received
	StateFailed                // transport, protocol, process or callback error
	StateCanceled              // stream abandoned by the client
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle is the client side of one remote process's event stream.
// It is created once the start event has been read, and it owns the rest of the stream.
type Handle struct {
	pid    int
	log    *zap.SugaredLogger
	stream EventStream
	ctx    context.Context
	cancel context.CancelFunc
	kill   func(ctx context.Context) error

	onStdout OutputFunc
	onStderr OutputFunc

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	state  State
	output *ProcessOutput
	err    error

	done chan struct{}
}

type handleConfig struct {
	pid      int
	log      *zap.SugaredLogger
	stream   EventStream
	ctx      context.Context
	cancel   context.CancelFunc
	kill     func(ctx context.Context) error
	onStdout OutputFunc
	onStderr OutputFunc
}

// newHandle starts draining the stream immediately, so callbacks fire whether or not anyone waits.
func newHandle(cfg handleConfig) *Handle {
	h := &Handle{
		pid:      cfg.pid,
		log:      cfg.log.With("PID", cfg.pid),
		stream:   cfg.stream,
		ctx:      cfg.ctx,
		cancel:   cfg.cancel,
		kill:     cfg.kill,
		onStdout: cfg.onStdout,
		onStderr: cfg.onStderr,
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Handle) PID() int { return h.pid }

// Wait blocks until the stream has completed and returns the collected output.
// A nonzero exit code is not an error. The output is returned alongside any error, with ExitCode -1 if no exit event was seen.
// ctx only bounds this call; canceling it does not affect the process or the stream.
func (h *Handle) Wait(ctx context.Context) (*ProcessOutput, error) {
	select {
	case <-h.done:
		out := *h.output
		return &out, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the Handle has completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Kill sends SIGKILL to the process. The stream stays open until the server reports the exit.
func (h *Handle) Kill(ctx context.Context) error {
	return h.kill(ctx)
}

// Disconnect abandons the stream without affecting the remote process.
// The Handle completes with a CancellationError.
func (h *Handle) Disconnect() {
	h.cancel()
}

// Stdout returns the stdout received so far.
func (h *Handle) Stdout() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout.String()
}

// Stderr returns the stderr received so far.
func (h *Handle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr.String()
}

func (h *Handle) run() {
	var (
		callbackErr  error
		callbackOnce sync.Once
		wg           sync.WaitGroup
	)
	fail := func(err error) {
		callbackOnce.Do(func() {
			callbackErr = err
			h.cancel()
		})
	}

	stdoutCh := h.startCallback(&wg, Stdout, h.onStdout, fail)
	stderrCh := h.startCallback(&wg, Stderr, h.onStderr, fail)

	exit, err := h.demux(stdoutCh, stderrCh)

	if stdoutCh != nil {
		close(stdoutCh)
	}
	if stderrCh != nil {
		close(stderrCh)
	}
	wg.Wait()

	if callbackErr != nil {
		err = callbackErr
	}
	// the stream is released before anyone waiting can observe the result
	if closeErr := h.stream.Close(); closeErr != nil {
		h.log.Debugf("error closing stream: %s", closeErr)
	}
	h.cancel()
	h.finish(exit, err)
}

// startCallback runs fn on its own goroutine so that stdout and stderr callbacks may overlap,
// while calls for the same stream stay ordered. It returns nil if fn is nil.
func (h *Handle) startCallback(wg *sync.WaitGroup, stream Stream, fn OutputFunc, fail func(error)) chan []byte {
	if fn == nil {
		return nil
	}
	ch := make(chan []byte)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range ch {
			if err := fn(string(b)); err != nil {
				h.log.Debugw("output callback failed", "Stream", stream, "Error", err)
				fail(&CallbackError{Stream: stream, Err: err})
				// keep receiving so the demux loop never blocks on us
				for range ch {
				}
				return
			}
		}
	}()
	return ch
}

// demux reads events until the exit event or the end of the stream.
// Channels are unbuffered, so the next event is not read until the callback has taken the current one.
func (h *Handle) demux(stdoutCh, stderrCh chan []byte) (ExitEvent, error) {
	for {
		ev, err := h.stream.Recv()
		if err != nil {
			return ExitEvent{ExitCode: -1}, h.streamError(err)
		}
		switch e := ev.(type) {
		case OutputEvent:
			var ch chan []byte
			switch e.Stream {
			case Stdout:
				ch = stdoutCh
			case Stderr:
				ch = stderrCh
			default:
				return ExitEvent{ExitCode: -1}, &ProtocolError{Msg: fmt.Sprintf("output event for unknown %s", e.Stream)}
			}
			h.appendOutput(e)
			if ch == nil {
				continue
			}
			select {
			case ch <- e.Data:
			case <-h.ctx.Done():
				return ExitEvent{ExitCode: -1}, h.streamError(h.ctx.Err())
			}
		case ExitEvent:
			h.log.Debugw("got exit event", "ExitCode", e.ExitCode, "Status", e.Status, "Error", e.Error)
			return e, nil
		case StartEvent:
			return ExitEvent{ExitCode: -1}, &ProtocolError{Msg: fmt.Sprintf("unexpected start event for pid %d after stream start", e.PID)}
		default:
			return ExitEvent{ExitCode: -1}, &ProtocolError{Msg: fmt.Sprintf("unknown event type %T", ev)}
		}
	}
}

func (h *Handle) appendOutput(e OutputEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.Stream == Stdout {
		h.stdout.Write(e.Data)
	} else {
		h.stderr.Write(e.Data)
	}
}

func (h *Handle) streamError(err error) error {
	if ctxErr := h.ctx.Err(); ctxErr != nil {
		return &CancellationError{Op: "process stream", Err: ctxErr}
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("stream closed before exit event: %w", io.ErrUnexpectedEOF)
	}
	return &TransportError{Op: "process stream", Err: err}
}

func (h *Handle) finish(exit ExitEvent, err error) {
	h.mu.Lock()
	h.output = &ProcessOutput{
		Stdout:   h.stdout.String(),
		Stderr:   h.stderr.String(),
		ExitCode: exit.ExitCode,
		Error:    exit.Error,
	}
	switch {
	case err == nil && exit.Error != "":
		err = &ProcessError{PID: h.pid, ExitCode: exit.ExitCode, Message: exit.Error}
		h.state = StateFailed
	case err == nil:
		h.state = StateExited
	case IsCanceled(err):
		h.state = StateCanceled
	default:
		h.state = StateFailed
	}
	h.err = err
	state := h.state
	h.mu.Unlock()

	h.log.Debugw("process stream completed", "State", state, "ExitCode", exit.ExitCode, "Error", err)
	close(h.done)
}
