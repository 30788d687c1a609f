package process

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// fakeStream is an EventStream fed by a test through its events channel.
// Closing events ends the stream cleanly.
type fakeStream struct {
	events chan Event
	errs   chan error

	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

func newFakeStream(events ...Event) *fakeStream {
	s := &fakeStream{
		events: make(chan Event, 1024),
		errs:   make(chan error, 1),
		ctx:    context.Background(),
	}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

func (s *fakeStream) bind(ctx context.Context) *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s
}

func (s *fakeStream) Recv() (Event, error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case err := <-s.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeTransport records requests and hands out a single prepared stream.
type fakeTransport struct {
	mu sync.Mutex

	stream  *fakeStream
	procs   []ProcessInfo
	dialErr error
	listErr error
	sigErr  error

	starts   []StartRequest
	connects []int
	signals  []SignalRequest
}

func (t *fakeTransport) List(ctx context.Context) ([]ProcessInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs, t.listErr
}

func (t *fakeTransport) SendSignal(ctx context.Context, req SignalRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, req)
	return t.sigErr
}

func (t *fakeTransport) Start(ctx context.Context, req StartRequest) (EventStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts = append(t.starts, req)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	return t.stream.bind(ctx), nil
}

func (t *fakeTransport) Connect(ctx context.Context, pid int) (EventStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects = append(t.connects, pid)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	return t.stream.bind(ctx), nil
}

func (t *fakeTransport) sentSignals() []SignalRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SignalRequest(nil), t.signals...)
}

func chunk(s Stream, data string) OutputEvent {
	return OutputEvent{Stream: s, Data: []byte(data)}
}

func exited(code int) ExitEvent {
	return ExitEvent{ExitCode: code, Exited: true, Status: fmt.Sprintf("exit status %d", code)}
}
