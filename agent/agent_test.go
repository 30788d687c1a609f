package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"os/user"
	"strconv"
	"testing"
	"time"

	"github.com/guseggert/sandbox/agent/process"
	inet "github.com/guseggert/sandbox/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l
}

// startAgent runs an agent on an ephemeral localhost port and returns its port.
func startAgent(t *testing.T, certs *Certs, opts ...Option) (*Agent, int) {
	t.Helper()
	port, err := inet.GetEphemeralTCPPort()
	require.NoError(t, err)

	opts = append([]Option{
		WithLogger(log),
		WithListenAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(port))),
	}, opts...)
	agent, err := NewAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		opts...,
	)
	require.NoError(t, err)

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})
	require.NotNil(t, agent.Addr())
	return agent, port
}

func newTestClient(t *testing.T, certs *Certs, port int, opts ...ClientOption) *Client {
	t.Helper()
	self, err := user.Current()
	require.NoError(t, err)

	opts = append([]ClientOption{
		WithClientWaitInterval(10 * time.Millisecond),
		WithProcessOptions(process.WithDefaultUser(self.Username)),
	}, opts...)
	client, err := NewClient(log.Sugar(), certs, "127.0.0.1", port, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	_, port := startAgent(t, serverCerts)

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log.Sugar(), clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls")

	_, err = client.Process().Run(context.Background(), "echo hi", process.StartOptions{})
	require.ErrorIs(t, err, process.ErrTransport)
}

func TestHeartbeatFailure(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	failed := make(chan struct{}, 1)
	startAgent(t, certs,
		WithHeartbeatTimeout(100*time.Millisecond),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)

	select {
	case <-failed:
	case <-time.After(10 * time.Second):
		t.Fatal("heartbeat failure handler was not called")
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	_, port := startAgent(t, certs)
	client := newTestClient(t, certs, port)

	out, err := client.Process().Run(ctx, "echo hi", process.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
}

func TestBackgroundProcess(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	_, port := startAgent(t, certs)
	client := newTestClient(t, certs, port)
	procs := client.Process()

	h1, err := procs.Start(ctx, "sleep 100", process.StartOptions{})
	require.NoError(t, err)
	h2, err := procs.Start(ctx, "sleep 100", process.StartOptions{})
	require.NoError(t, err)

	list, err := procs.List(ctx, process.RequestOptions{})
	require.NoError(t, err)
	var pids []int
	for _, p := range list {
		pids = append(pids, p.PID)
	}
	assert.ElementsMatch(t, []int{h1.PID(), h2.PID()}, pids)

	require.NoError(t, procs.Kill(ctx, h1.PID(), process.RequestOptions{}))
	out, err := h1.Wait(ctx)
	require.ErrorIs(t, err, process.ErrProcess)
	assert.Equal(t, -1, out.ExitCode)
	assert.Equal(t, process.StateFailed, h1.State())

	h2.Disconnect()
	_, err = h2.Wait(ctx)
	assert.True(t, process.IsCanceled(err))

	// the disconnected process is still running and can be attached to
	h3, err := procs.Connect(ctx, h2.PID(), process.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, h3.Kill(ctx))
	_, err = h3.Wait(ctx)
	require.ErrorIs(t, err, process.ErrProcess)

	_, err = procs.Connect(ctx, h2.PID(), process.ConnectOptions{})
	require.ErrorIs(t, err, process.ErrNotFound)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	_, port := startAgent(t, certs)
	client := newTestClient(t, certs, port)

	_, err = client.Process().Run(ctx, "true", process.StartOptions{})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := client.HTTPClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(b), "sandbox_processes_started_total 1")
	assert.Contains(t, string(b), `sandbox_process_exits_total{kind="exited"} 1`)
}

func TestStopKillsProcesses(t *testing.T) {
	ctx := context.Background()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	agent, port := startAgent(t, certs)
	client := newTestClient(t, certs, port)

	h, err := client.Process().Start(ctx, "sleep 100", process.StartOptions{})
	require.NoError(t, err)

	require.NoError(t, agent.Stop())
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process stream did not complete after the agent stopped")
	}
}
