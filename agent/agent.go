package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/sandbox/agent/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTP agent that runs inside a sandbox and manages its processes.
// The agent requires mTLS for both traffic encryption and authz.
type Agent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer    *http.Server
	processServer *process.Server
	metrics       *process.Metrics

	serverMut     sync.Mutex
	ready         chan struct{}
	readyOnce     sync.Once
	addr          net.Addr
	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

const (
	DefaultHeartbeatTimeout = 1 * time.Minute
	DefaultListenAddr       = "0.0.0.0:8080"
)

type Option func(a *Agent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("sandboxagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewAgent constructs a new sandbox agent.
func NewAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("sandboxagent").Sugar(),
		metrics:          process.NewMetrics(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		listenAddr:       DefaultListenAddr,
		ready:            make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.processServer = process.NewServer(a.logger.Named("process_server"), a.metrics)
	return a, nil
}

// startHeartbeatCheck starts a goroutine that calls the heartbeat failure handler when heartbeats stop arriving.
func (a *Agent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *Agent) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.Handler(http.MethodGet, "/metrics", a.metrics.Handler())
	a.processServer.Register(router)
	return router
}

func (a *Agent) runHTTPServer() error {
	defer a.readyOnce.Do(func() { close(a.ready) })

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	a.serverMut.Lock()
	select {
	case <-a.closed:
		a.serverMut.Unlock()
		return tlsListener.Close()
	default:
	}
	server := &http.Server{Handler: a.router()}
	a.httpServer = server
	a.addr = tcpListener.Addr()
	a.serverMut.Unlock()
	a.readyOnce.Do(func() { close(a.ready) })

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the agent and returns once the agent has stopped.
func (a *Agent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Addr blocks until the agent is listening and returns its address, or nil if it failed to listen.
func (a *Agent) Addr() net.Addr {
	<-a.ready
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	return a.addr
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop stops the HTTP server and kills every process the agent started.
func (a *Agent) Stop() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		a.processServer.KillAll()

		a.serverMut.Lock()
		defer a.serverMut.Unlock()
		if a.httpServer != nil {
			err = a.httpServer.Close()
		}
	})
	return err
}
