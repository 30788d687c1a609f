package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultUser is the user processes run as when a call does not name one.
	DefaultUser = "user"

	// DefaultRequestTimeout bounds unary calls and the wait for the start event of a stream.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultTimeout bounds the whole lifetime of a stream.
	DefaultTimeout = 60 * time.Second

	// NoTimeout disables a timeout for one call.
	NoTimeout time.Duration = -1
)

// shell runs every command, as a login shell so that profile-sourced environment applies.
const shell = "/bin/bash"

// Client starts, attaches to, lists and kills processes through a Transport.
// It keeps no state about the Handles it returns.
type Client struct {
	transport      Transport
	log            *zap.SugaredLogger
	defaultUser    string
	requestTimeout time.Duration
	timeout        time.Duration
}

type ClientOption func(c *Client)

func WithLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("process_client")
	}
}

func WithDefaultUser(user string) ClientOption {
	return func(c *Client) {
		c.defaultUser = user
	}
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport:      t,
		log:            zap.NewNop().Sugar(),
		defaultUser:    DefaultUser,
		requestTimeout: DefaultRequestTimeout,
		timeout:        DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions configure a unary call.
// A zero RequestTimeout uses the client default, NoTimeout disables it.
type RequestOptions struct {
	RequestTimeout time.Duration
}

// ConnectOptions configure Connect.
// RequestTimeout bounds the wait for the start event. Timeout bounds the whole stream.
// Zero values use the client defaults, NoTimeout disables them.
type ConnectOptions struct {
	OnStdout       OutputFunc
	OnStderr       OutputFunc
	Timeout        time.Duration
	RequestTimeout time.Duration
}

// StartOptions configure Start and Run.
type StartOptions struct {
	Cwd string
	// User defaults to the client's default user.
	User           string
	Envs           map[string]string
	OnStdout       OutputFunc
	OnStderr       OutputFunc
	Timeout        time.Duration
	RequestTimeout time.Duration
}

// resolveTimeout returns the timeout to apply, 0 meaning none.
func resolveTimeout(d, def time.Duration) time.Duration {
	if d == 0 {
		d = def
	}
	if d < 0 {
		return 0
	}
	return d
}

func (c *Client) requestContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if timeout := resolveTimeout(d, c.requestTimeout); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func transportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// List returns the processes currently running in the sandbox.
func (c *Client) List(ctx context.Context, opts RequestOptions) ([]ProcessInfo, error) {
	ctx, cancel := c.requestContext(ctx, opts.RequestTimeout)
	defer cancel()

	procs, err := c.transport.List(ctx)
	if err != nil {
		return nil, transportError("list", err)
	}
	return procs, nil
}

// Kill sends SIGKILL to the process. Killing a process that has already exited is not an error.
func (c *Client) Kill(ctx context.Context, pid int, opts RequestOptions) error {
	ctx, cancel := c.requestContext(ctx, opts.RequestTimeout)
	defer cancel()

	c.log.Debugw("killing process", "PID", pid)
	err := c.transport.SendSignal(ctx, SignalRequest{PID: pid, Signal: syscall.SIGKILL})
	if err != nil {
		return transportError("kill", err)
	}
	return nil
}

// Connect attaches to a running process. Output produced before the call is not replayed.
func (c *Client) Connect(ctx context.Context, pid int, opts ConnectOptions) (*Handle, error) {
	return c.open(ctx, "connect", &pid, streamOptions{
		onStdout:       opts.OnStdout,
		onStderr:       opts.OnStderr,
		timeout:        opts.Timeout,
		requestTimeout: opts.RequestTimeout,
	}, func(ctx context.Context) (EventStream, error) {
		return c.transport.Connect(ctx, pid)
	})
}

// Start starts cmd through a login shell and returns as soon as the process is running.
func (c *Client) Start(ctx context.Context, cmd string, opts StartOptions) (*Handle, error) {
	user := opts.User
	if user == "" {
		user = c.defaultUser
	}
	req := StartRequest{
		User: user,
		Cmd:  shell,
		Args: []string{"-l", "-c", cmd},
		Cwd:  opts.Cwd,
		Envs: opts.Envs,
	}
	return c.open(ctx, "start", nil, streamOptions{
		onStdout:       opts.OnStdout,
		onStderr:       opts.OnStderr,
		timeout:        opts.Timeout,
		requestTimeout: opts.RequestTimeout,
	}, func(ctx context.Context) (EventStream, error) {
		return c.transport.Start(ctx, req)
	})
}

// Run starts cmd and waits for it to complete.
func (c *Client) Run(ctx context.Context, cmd string, opts StartOptions) (*ProcessOutput, error) {
	h, err := c.Start(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

type streamOptions struct {
	onStdout       OutputFunc
	onStderr       OutputFunc
	timeout        time.Duration
	requestTimeout time.Duration
}

// open establishes a stream and reads its start event.
// The request timeout only covers the time until the start event; once the Handle exists, only the stream timeout applies.
// If wantPID is set, the start event must carry it.
func (c *Client) open(ctx context.Context, op string, wantPID *int, opts streamOptions, dial func(context.Context) (EventStream, error)) (*Handle, error) {
	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if timeout := resolveTimeout(opts.timeout, c.timeout); timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	var (
		timer    *time.Timer
		timedOut atomic.Bool
	)
	if reqTimeout := resolveTimeout(opts.requestTimeout, c.requestTimeout); reqTimeout > 0 {
		timer = time.AfterFunc(reqTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	// stopTimer reports false if the timer already fired.
	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	fail := func(stream EventStream, err error) (*Handle, error) {
		stopTimer()
		ctxErr := streamCtx.Err()
		cancel()
		if stream != nil {
			if closeErr := stream.Close(); closeErr != nil {
				c.log.Debugf("error closing stream: %s", closeErr)
			}
		}
		if timedOut.Load() {
			return nil, &CancellationError{Op: op, Err: fmt.Errorf("no start event within request timeout: %w", context.DeadlineExceeded)}
		}
		if ctxErr != nil {
			return nil, &CancellationError{Op: op, Err: ctxErr}
		}
		return nil, err
	}

	c.log.Debugw("opening process stream", "Op", op)
	stream, err := dial(streamCtx)
	if err != nil {
		return fail(nil, transportError(op, err))
	}

	ev, err := stream.Recv()
	if !stopTimer() {
		return fail(stream, nil)
	}
	if err != nil {
		var protoErr *ProtocolError
		switch {
		case errors.As(err, &protoErr):
		case errors.Is(err, io.EOF):
			err = transportError(op, fmt.Errorf("stream closed before start event: %w", io.ErrUnexpectedEOF))
		default:
			err = transportError(op, err)
		}
		return fail(stream, err)
	}

	start, ok := ev.(StartEvent)
	if !ok {
		return fail(stream, &ProtocolError{Msg: "expected start event"})
	}
	if wantPID != nil && start.PID != *wantPID {
		return fail(stream, &ProtocolError{Msg: fmt.Sprintf("expected start event for pid %d, got pid %d", *wantPID, start.PID)})
	}
	c.log.Debugw("process stream started", "Op", op, "PID", start.PID)

	pid := start.PID
	return newHandle(handleConfig{
		pid:    pid,
		log:    c.log,
		stream: stream,
		ctx:    streamCtx,
		cancel: cancel,
		kill: func(ctx context.Context) error {
			return c.Kill(ctx, pid, RequestOptions{})
		},
		onStdout: opts.onStdout,
		onStderr: opts.onStderr,
	}), nil
}
