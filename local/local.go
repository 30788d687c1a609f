// Package local runs a sandbox agent in the current process and connects a client to it.
//
// Processes started in a local sandbox are not isolated: they run directly on the host as the current user,
// and can see each other and everything else on the host.
// The main benefit is speed, since there are no external processes or resources to create,
// which makes it suitable for fast-feedback tests of code that drives a sandbox.
package local

import (
	"context"
	"fmt"
	"net"
	"os/user"
	"strconv"
	"sync"

	"github.com/guseggert/sandbox/agent"
	"github.com/guseggert/sandbox/agent/process"
	inet "github.com/guseggert/sandbox/internal/net"
	"go.uber.org/zap"
)

type Sandbox struct {
	Agent  *agent.Agent
	Client *agent.Client

	runErr      chan error
	cleanupOnce sync.Once
	cleanupErr  error
}

type config struct {
	log         *zap.Logger
	processOpts []process.ClientOption
}

type Option func(c *config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithProcessOptions configures the process client of the sandbox.
// The default user is always the current user, since the agent cannot switch to other users without privileges.
func WithProcessOptions(opts ...process.ClientOption) Option {
	return func(c *config) {
		c.processOpts = append(c.processOpts, opts...)
	}
}

// New starts an agent on an ephemeral localhost port with freshly generated certs, and waits until it serves requests.
func New(ctx context.Context, opts ...Option) (*Sandbox, error) {
	cfg := &config{log: zap.NewNop()}
	for _, o := range opts {
		o(cfg)
	}

	self, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("looking up current user: %w", err)
	}
	certs, err := agent.GenerateCerts()
	if err != nil {
		return nil, fmt.Errorf("generating certs: %w", err)
	}
	port, err := inet.GetEphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("getting port: %w", err)
	}

	a, err := agent.NewAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		agent.WithLogger(cfg.log),
		agent.WithListenAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(port))),
	)
	if err != nil {
		return nil, fmt.Errorf("building agent: %w", err)
	}

	s := &Sandbox{Agent: a, runErr: make(chan error, 1)}
	go func() { s.runErr <- a.Run() }()

	if a.Addr() == nil {
		return nil, fmt.Errorf("starting agent: %w", <-s.runErr)
	}

	processOpts := append([]process.ClientOption{process.WithDefaultUser(self.Username)}, cfg.processOpts...)
	client, err := agent.NewClient(cfg.log.Sugar(), certs, "127.0.0.1", port, agent.WithProcessOptions(processOpts...))
	if err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("building client: %w", err)
	}
	s.Client = client

	if err := client.WaitForServer(ctx); err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("waiting for agent: %w", err)
	}
	return s, nil
}

// Process returns the client for the sandbox's processes.
func (s *Sandbox) Process() *process.Client {
	return s.Client.Process()
}

// Cleanup kills all processes of the sandbox and stops its agent.
func (s *Sandbox) Cleanup() error {
	s.cleanupOnce.Do(func() {
		if err := s.Agent.Stop(); err != nil {
			s.cleanupErr = fmt.Errorf("stopping agent: %w", err)
			return
		}
		s.cleanupErr = <-s.runErr
	})
	return s.cleanupErr
}
