package process

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// sink is one attached stream.
type sink interface {
	ID() string
	Send(f eventFrame) error
}

// fanOut delivers the events of one process to every attached sink.
// Writes block until the first sink is attached, so that no output precedes the start event.
// A sink that fails to send is dropped; the process never sees the error.
type fanOut struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	sinks    map[string]sink
	end      *eventFrame
	opened   chan struct{}
	openOnce sync.Once
}

func newFanOut(log *zap.SugaredLogger) *fanOut {
	return &fanOut{
		log:    log,
		sinks:  map[string]sink{},
		opened: make(chan struct{}),
	}
}

func (f *fanOut) open() {
	f.openOnce.Do(func() { close(f.opened) })
}

// attach sends first to s and then subscribes s to all further events.
// If the process has already ended, s receives the end event right away and attach returns false.
func (f *fanOut) attach(s sink, first eventFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.open()

	if err := s.Send(first); err != nil {
		f.log.Debugw("error sending first frame", "Sink", s.ID(), "Error", err)
		return false
	}
	if f.end != nil {
		if err := s.Send(*f.end); err != nil {
			f.log.Debugw("error sending end frame", "Sink", s.ID(), "Error", err)
		}
		return false
	}
	f.sinks[s.ID()] = s
	return true
}

func (f *fanOut) detach(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, id)
}

func (f *fanOut) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// close broadcasts the end event and detaches every sink.
func (f *fanOut) close(end eventFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.open()

	f.end = &end
	f.broadcastLocked(end)
	f.sinks = map[string]sink{}
}

func (f *fanOut) broadcastLocked(frame eventFrame) {
	for id, s := range f.sinks {
		if err := s.Send(frame); err != nil {
			f.log.Debugw("dropping sink after send error", "Sink", id, "Error", err)
			delete(f.sinks, id)
		}
	}
}

func (f *fanOut) writer(stream Stream) io.Writer {
	return &streamWriter{out: f, stream: stream}
}

// streamWriter turns writes to a process's stdout or stderr into output events.
type streamWriter struct {
	out    *fanOut
	stream Stream
}

func (w *streamWriter) Write(b []byte) (int, error) {
	<-w.out.opened

	// break the output into chunks that fit the client's read limit
	// the limit is conservative, it estimates the size of the base64 payload inside the JSON frame
	writeLimit := readLimit / 3
	w.out.mu.Lock()
	defer w.out.mu.Unlock()
	for rest := b; len(rest) > 0; {
		chunk := rest
		if len(chunk) > writeLimit {
			chunk = chunk[:writeLimit]
		}
		rest = rest[len(chunk):]
		w.out.broadcastLocked(frameOf(OutputEvent{Stream: w.stream, Data: chunk}))
	}
	return len(b), nil
}
