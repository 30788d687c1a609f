package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// closeWait is how long the server waits for the client to close a stream after the end event.
	closeWait = 5 * time.Second

	// waitDelay bounds how long a process's output pipes may stay open after it exits,
	// e.g. when a background child inherited them.
	waitDelay = 2 * time.Second
)

// Server runs processes and serves their event streams.
// Processes outlive the streams that started them, and are removed once they exit.
type Server struct {
	Log     *zap.SugaredLogger
	Metrics *Metrics

	mu    sync.Mutex
	procs map[int]*managedProc
}

type managedProc struct {
	info ProcessInfo
	cmd  *exec.Cmd
	out  *fanOut
	done chan struct{}
}

func NewServer(log *zap.SugaredLogger, metrics *Metrics) *Server {
	return &Server{
		Log:     log,
		Metrics: metrics,
		procs:   map[int]*managedProc{},
	}
}

// Register adds the process routes to router.
func (s *Server) Register(router *httprouter.Router) {
	router.GET("/process", s.serveList)
	router.GET("/process/start", s.serveStart)
	router.GET("/process/connect/:pid", s.serveConnect)
	router.POST("/process/:pid/signal", s.serveSignal)
}

func (s *Server) lookup(pid int) *managedProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[pid]
}

// List returns the running processes, ordered by PID.
func (s *Server) List() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		infos = append(infos, p.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

// KillAll sends SIGKILL to every running process and waits for them to exit.
func (s *Server) KillAll() {
	s.mu.Lock()
	procs := make([]*managedProc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		s.Log.Debugw("killing process", "PID", p.info.PID)
		if err := signalProcess(p.info.PID, syscall.SIGKILL); err != nil {
			s.Log.Debugf("error killing process %d: %s", p.info.PID, err)
			continue
		}
		s.Metrics.signalSent("SIGKILL")
	}

	timer := time.NewTimer(2 * waitDelay)
	defer timer.Stop()
	for _, p := range procs {
		select {
		case <-p.done:
		case <-timer.C:
			s.Log.Debugf("gave up waiting for processes to exit")
			return
		}
	}
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := json.Marshal(listResponse{Processes: s.List()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) serveSignal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pid, err := strconv.Atoi(params.ByName("pid"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid pid %q", params.ByName("pid")), http.StatusBadRequest)
		return
	}
	var msg signalMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig, ok := parseSignal(msg.Signal)
	if !ok {
		http.Error(w, fmt.Sprintf("unsupported signal %q", msg.Signal), http.StatusBadRequest)
		return
	}

	if s.lookup(pid) == nil {
		s.Log.Debugw("ignoring signal for unknown process", "PID", pid, "Signal", msg.Signal)
		w.WriteHeader(http.StatusOK)
		return
	}
	s.Log.Debugw("signaling process", "PID", pid, "Signal", msg.Signal)
	if err := signalProcess(pid, sig); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Metrics.signalSent(msg.Signal)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func closeReason(format string, args ...any) string {
	// websocket reason can't be above 123 bytes
	reason := fmt.Sprintf(format, args...)
	if len(reason) > 100 {
		reason = reason[:100]
	}
	return reason
}

func (s *Server) serveStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.accept(w, r)
	if err != nil {
		return
	}

	var req StartRequest
	err = wsjson.Read(r.Context(), conn, &req)
	if err != nil {
		s.Log.Debugf("error reading start request: %s", err)
		conn.Close(websocket.StatusInternalError, closeReason("reading start request: %s", err))
		return
	}
	s.Log.Debugw("got start request", "Cmd", req.Cmd, "Args", req.Args, "User", req.User, "Cwd", req.Cwd)

	proc, err := s.spawn(req)
	if err != nil {
		s.Log.Debugf("error starting process: %s", err)
		conn.Close(websocket.StatusInternalError, closeReason("starting process: %s", err))
		return
	}
	go s.waitAndBroadcast(proc)

	s.stream(r.Context(), conn, proc)
}

func (s *Server) serveConnect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pid, err := strconv.Atoi(params.ByName("pid"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid pid %q", params.ByName("pid")), http.StatusBadRequest)
		return
	}
	conn, err := s.accept(w, r)
	if err != nil {
		return
	}

	proc := s.lookup(pid)
	if proc == nil {
		s.Log.Debugw("connect to unknown process", "PID", pid)
		conn.Close(statusNotFound, closeReason("process %d not found", pid))
		return
	}
	s.stream(r.Context(), conn, proc)
}

// stream attaches conn to proc and returns once the process has ended or the client has gone away.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, proc *managedProc) {
	// the client never sends anything after the start request, so only control frames are read from here on
	closeCtx := conn.CloseRead(ctx)

	sink := newWSSink(closeCtx, conn, s.Log.Named("sink"))
	s.Metrics.streamAttached()
	defer s.Metrics.streamDetached()

	if proc.out.attach(sink, frameOf(StartEvent{PID: proc.info.PID})) {
		s.Log.Debugw("stream attached", "PID", proc.info.PID, "Sink", sink.ID())
	}

	select {
	case <-proc.done:
	case <-closeCtx.Done():
		proc.out.detach(sink.ID())
		s.Log.Debugw("stream closed by client", "PID", proc.info.PID, "Sink", sink.ID())
		return
	}

	// the end event has been sent, give the client a chance to close first
	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case <-closeCtx.Done():
	case <-timer.C:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) spawn(req StartRequest) (*managedProc, error) {
	if req.Cmd == "" {
		return nil, errors.New("request contained no command")
	}

	u, switchUser, err := resolveUser(req.User)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Cmd, req.Args...)
	cmd.Dir = req.Cwd
	if cmd.Dir == "" {
		if fi, err := os.Stat(u.HomeDir); err == nil && fi.IsDir() {
			cmd.Dir = u.HomeDir
		}
	}
	cmd.Env = append(os.Environ(), "HOME="+u.HomeDir, "USER="+u.Username)
	for k, v := range req.Envs {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := setProcAttr(cmd, u, switchUser); err != nil {
		return nil, err
	}
	cmd.WaitDelay = waitDelay

	proc := &managedProc{
		cmd:  cmd,
		out:  newFanOut(s.Log.Named("fanout")),
		done: make(chan struct{}),
	}
	cmd.Stdout = proc.out.writer(Stdout)
	cmd.Stderr = proc.out.writer(Stderr)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc.info = ProcessInfo{
		PID:  cmd.Process.Pid,
		Cmd:  req.Cmd,
		Args: req.Args,
		User: u.Username,
		Cwd:  cmd.Dir,
		Envs: req.Envs,
	}

	s.mu.Lock()
	s.procs[proc.info.PID] = proc
	s.mu.Unlock()

	s.Metrics.processStarted()
	s.Log.Debugw("process started", "PID", proc.info.PID)
	return proc, nil
}

// resolveUser looks up the user to run as. Running as the agent's own user needs no credential switch.
func resolveUser(name string) (*user.User, bool, error) {
	self, err := user.Current()
	if err != nil {
		return nil, false, fmt.Errorf("looking up current user: %w", err)
	}
	if name == "" || name == self.Username {
		return self, false, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, false, fmt.Errorf("looking up user %q: %w", name, err)
	}
	return u, true, nil
}

func (s *Server) waitAndBroadcast(proc *managedProc) {
	err := proc.cmd.Wait()

	end := ExitEvent{ExitCode: -1}
	if state := proc.cmd.ProcessState; state != nil {
		end.ExitCode = state.ExitCode()
		end.Exited = state.Exited()
		end.Status = state.String()
	}
	kind := "exited"
	if errors.Is(err, exec.ErrWaitDelay) && proc.cmd.ProcessState != nil {
		// a child still holds the output pipes; the process itself has exited
		s.Log.Debugw("closed output pipes still held after exit", "PID", proc.info.PID)
		err = nil
		if !end.Exited {
			end.Error = end.Status
			kind = "signaled"
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case !errors.As(err, &exitErr):
			s.Log.Debugf("unexpected wait error: %s", err)
			end.Error = err.Error()
			kind = "error"
		case !end.Exited:
			end.Error = end.Status
			kind = "signaled"
		}
	}
	s.Log.Debugw("process ended", "PID", proc.info.PID, "ExitCode", end.ExitCode, "Status", end.Status)

	s.mu.Lock()
	delete(s.procs, proc.info.PID)
	s.mu.Unlock()
	s.Metrics.processExited(kind)

	proc.out.close(frameOf(end))
	close(proc.done)
}
