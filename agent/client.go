package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/sandbox/agent/process"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a sandbox agent. Process operations are available through Process.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	host                     string
	tlsClientConfig          *tls.Config
	dialCtx                  func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	processOpts              []process.ClientOption
	processClient            *process.Client

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("sandboxagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithProcessOptions configures the process client, e.g. its default user and timeouts.
func WithProcessOptions(opts ...process.ClientOption) ClientOption {
	return func(c *Client) {
		c.processOpts = append(c.processOpts, opts...)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := net.JoinHostPort(ipAddr, fmt.Sprint(port))

	// Don't do DNS lookup for dialing.
	// This prevents the default dialer from modifying the host header, which we need since we are not using public CAs.
	// Resulting behavior is that the addr host is used for the host header, but it does not resolve the name.
	// We don't need TLS for server authn, since we control the sandboxes anyway, we just want authz and encryption.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	baseURL := fmt.Sprintf("https://%s:%d", agentHost, port)

	c := &Client{
		Logger:          log.Named("sandboxagent_client"),
		host:            agentHost,
		baseURL:         baseURL,
		tlsClientConfig: tlsConfig,
		dialCtx:         dialCtx,
		waitInterval:    100 * time.Millisecond,
		stopHeartbeat:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		DialContext:     dialCtx,
		MaxConnsPerHost: 0,
		TLSClientConfig: tlsConfig,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	processOpts := append([]process.ClientOption{process.WithLogger(c.Logger)}, c.processOpts...)
	c.processClient = process.NewClient(&process.WSTransport{
		HTTPClient: c.HTTPClient,
		WSClient:   &http.Client{Transport: transport},
		BaseURL:    baseURL,
		Logger:     c.Logger.Named("process_transport"),
	}, processOpts...)

	return c, nil
}

// Process returns the client for the agent's processes.
func (c *Client) Process() *process.Client {
	return c.processClient
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
