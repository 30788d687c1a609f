package process

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, tr Transport, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	return NewClient(tr, opts...)
}

func TestRunCollectsOutput(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream(
		StartEvent{PID: 42},
		chunk(Stdout, "hello "),
		chunk(Stderr, "oops"),
		chunk(Stdout, "world"),
		exited(0),
	)}
	c := newTestClient(t, tr)

	out, err := c.Run(context.Background(), "echo hello world", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, &ProcessOutput{Stdout: "hello world", Stderr: "oops", ExitCode: 0}, out)

	require.Len(t, tr.starts, 1)
	assert.Equal(t, StartRequest{
		User: DefaultUser,
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", "echo hello world"},
	}, tr.starts[0])
	assert.True(t, tr.stream.isClosed())
}

func TestStartRequestOptions(t *testing.T) {
	cases := []struct {
		name        string
		clientOpts  []ClientOption
		opts        StartOptions
		expectedReq StartRequest
	}{
		{
			name: "explicit user, cwd and envs",
			opts: StartOptions{User: "root", Cwd: "/tmp", Envs: map[string]string{"FOO": "bar"}},
			expectedReq: StartRequest{
				User: "root",
				Cmd:  "/bin/bash",
				Args: []string{"-l", "-c", "true"},
				Cwd:  "/tmp",
				Envs: map[string]string{"FOO": "bar"},
			},
		},
		{
			name:       "client default user",
			clientOpts: []ClientOption{WithDefaultUser("builder")},
			expectedReq: StartRequest{
				User: "builder",
				Cmd:  "/bin/bash",
				Args: []string{"-l", "-c", "true"},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := &fakeTransport{stream: newFakeStream(StartEvent{PID: 1}, exited(0))}
			client := newTestClient(t, tr, c.clientOpts...)

			_, err := client.Run(context.Background(), "true", c.opts)
			require.NoError(t, err)
			require.Len(t, tr.starts, 1)
			assert.Equal(t, c.expectedReq, tr.starts[0])
		})
	}
}

func TestStartReturnsOnceRunning(t *testing.T) {
	stream := newFakeStream(StartEvent{PID: 7})
	c := newTestClient(t, &fakeTransport{stream: stream})

	h, err := c.Start(context.Background(), "sleep 100", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, h.PID())
	assert.Equal(t, StatePending, h.State())

	stream.events <- exited(0)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateExited, h.State())
}

func TestFirstEventMustBeStart(t *testing.T) {
	cases := []struct {
		name  string
		first Event
	}{
		{name: "output", first: chunk(Stdout, "early")},
		{name: "exit", first: exited(0)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stream := newFakeStream(c.first)
			client := newTestClient(t, &fakeTransport{stream: stream})

			h, err := client.Start(context.Background(), "true", StartOptions{})
			assert.Nil(t, h)
			require.ErrorIs(t, err, ErrProtocol)
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, "expected start event", protoErr.Msg)
			assert.True(t, stream.isClosed())
		})
	}
}

func TestStreamClosedBeforeStart(t *testing.T) {
	stream := newFakeStream()
	close(stream.events)
	c := newTestClient(t, &fakeTransport{stream: stream})

	_, err := c.Start(context.Background(), "true", StartOptions{})
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDialError(t *testing.T) {
	dialErr := errors.New("connection refused")
	c := newTestClient(t, &fakeTransport{dialErr: dialErr})

	_, err := c.Start(context.Background(), "true", StartOptions{})
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, dialErr)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "start", transportErr.Op)
}

func TestRequestTimeout(t *testing.T) {
	stream := newFakeStream()
	c := newTestClient(t, &fakeTransport{stream: stream})

	start := time.Now()
	_, err := c.Start(context.Background(), "true", StartOptions{RequestTimeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsCanceled(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, stream.isClosed())
}

func TestClientRequestTimeoutDefault(t *testing.T) {
	c := newTestClient(t, &fakeTransport{stream: newFakeStream()}, WithRequestTimeout(20*time.Millisecond))

	_, err := c.Start(context.Background(), "true", StartOptions{})
	assert.True(t, IsCanceled(err))
}

func TestRequestTimeoutStopsAtStartEvent(t *testing.T) {
	stream := newFakeStream(StartEvent{PID: 3})
	c := newTestClient(t, &fakeTransport{stream: stream})

	h, err := c.Start(context.Background(), "sleep 0.1", StartOptions{RequestTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	stream.events <- chunk(Stdout, "late")
	stream.events <- exited(0)

	out, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", out.Stdout)
}

func TestStreamTimeout(t *testing.T) {
	stream := newFakeStream(StartEvent{PID: 3})
	c := newTestClient(t, &fakeTransport{stream: stream})

	h, err := c.Start(context.Background(), "sleep 100", StartOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	out, err := h.Wait(context.Background())
	assert.True(t, IsCanceled(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, out.ExitCode)
	assert.Equal(t, StateCanceled, h.State())
}

func TestNoTimeout(t *testing.T) {
	stream := newFakeStream(StartEvent{PID: 3})
	c := newTestClient(t, &fakeTransport{stream: stream}, WithTimeout(20*time.Millisecond))

	h, err := c.Start(context.Background(), "sleep 0.1", StartOptions{Timeout: NoTimeout})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StatePending, h.State())
	stream.events <- exited(0)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
}

func TestParentContextCancels(t *testing.T) {
	stream := newFakeStream(StartEvent{PID: 3})
	c := newTestClient(t, &fakeTransport{stream: stream})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := c.Start(ctx, "sleep 100", StartOptions{})
	require.NoError(t, err)
	cancel()

	_, err = h.Wait(context.Background())
	assert.True(t, IsCanceled(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnect(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream(
		StartEvent{PID: 11},
		chunk(Stdout, "tail"),
		exited(0),
	)}
	c := newTestClient(t, tr)

	var got []string
	h, err := c.Connect(context.Background(), 11, ConnectOptions{
		OnStdout: func(data string) error {
			got = append(got, data)
			return nil
		},
	})
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{11}, tr.connects)
	assert.Equal(t, []string{"tail"}, got)
	assert.Equal(t, "tail", out.Stdout)
}

func TestConnectPIDMismatch(t *testing.T) {
	cases := []struct {
		name string
		pid  int
	}{
		{name: "other pid", pid: 11},
		{name: "zero pid", pid: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stream := newFakeStream(StartEvent{PID: 12})
			client := newTestClient(t, &fakeTransport{stream: stream})

			h, err := client.Connect(context.Background(), c.pid, ConnectOptions{})
			assert.Nil(t, h)
			require.ErrorIs(t, err, ErrProtocol)
			assert.True(t, stream.isClosed())
		})
	}
}

func TestConnectNotFound(t *testing.T) {
	stream := newFakeStream()
	stream.errs <- &notFoundErr{}
	c := newTestClient(t, &fakeTransport{stream: stream})

	_, err := c.Connect(context.Background(), 99, ConnectOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrTransport)
}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "status 4404" }
func (*notFoundErr) Unwrap() error  { return ErrNotFound }

func TestList(t *testing.T) {
	procs := []ProcessInfo{{PID: 1, Cmd: "/bin/bash"}, {PID: 2, Cmd: "/bin/bash"}}
	c := newTestClient(t, &fakeTransport{procs: procs})

	got, err := c.List(context.Background(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, procs, got)
}

func TestListError(t *testing.T) {
	c := newTestClient(t, &fakeTransport{listErr: errors.New("boom")})

	_, err := c.List(context.Background(), RequestOptions{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestKill(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	require.NoError(t, c.Kill(context.Background(), 5, RequestOptions{}))
	assert.Equal(t, []SignalRequest{{PID: 5, Signal: syscall.SIGKILL}}, tr.sentSignals())

	tr.sigErr = errors.New("boom")
	err := c.Kill(context.Background(), 5, RequestOptions{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestResolveTimeout(t *testing.T) {
	cases := []struct {
		d        time.Duration
		def      time.Duration
		expected time.Duration
	}{
		{d: 0, def: time.Second, expected: time.Second},
		{d: time.Minute, def: time.Second, expected: time.Minute},
		{d: NoTimeout, def: time.Second, expected: 0},
		{d: 0, def: NoTimeout, expected: 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, resolveTimeout(c.d, c.def), "resolveTimeout(%s, %s)", c.d, c.def)
	}
}
