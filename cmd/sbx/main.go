package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/guseggert/sandbox/agent"
	"github.com/guseggert/sandbox/agent/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var connFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "host",
		Usage:   "The IP address of the sandbox agent.",
		EnvVars: []string{"SBX_HOST"},
		Value:   "127.0.0.1",
	},
	&cli.IntFlag{
		Name:    "port",
		Usage:   "The port of the sandbox agent.",
		EnvVars: []string{"SBX_PORT"},
		Value:   8080,
	},
	&cli.StringFlag{
		Name:     "ca-cert-pem",
		Usage:    "The CA cert PEM bytes to use (base64-encoded).",
		EnvVars:  []string{"SBX_CA_CERT_PEM"},
		Required: true,
	},
	&cli.StringFlag{
		Name:     "cert-pem",
		Usage:    "The client cert PEM bytes to use (base64-encoded).",
		EnvVars:  []string{"SBX_CERT_PEM"},
		Required: true,
	},
	&cli.StringFlag{
		Name:     "key-pem",
		Usage:    "The client key PEM bytes to use (base64-encoded).",
		EnvVars:  []string{"SBX_KEY_PEM"},
		Required: true,
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Log protocol details to stderr.",
		EnvVars: []string{"SBX_VERBOSE"},
	},
}

var timeoutFlags = []cli.Flag{
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "Bound on the whole stream, 0 for the default, negative to disable.",
	},
	&cli.DurationFlag{
		Name:  "request-timeout",
		Usage: "Bound on the wait for the process to start, 0 for the default, negative to disable.",
	},
}

func decodeFlag(ctx *cli.Context, name string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(ctx.String(name))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return b, nil
}

func newClient(ctx *cli.Context) (*process.Client, error) {
	caCertPEM, err := decodeFlag(ctx, "ca-cert-pem")
	if err != nil {
		return nil, err
	}
	certPEM, err := decodeFlag(ctx, "cert-pem")
	if err != nil {
		return nil, err
	}
	keyPEM, err := decodeFlag(ctx, "key-pem")
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if ctx.Bool("verbose") {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}

	certs := &agent.Certs{
		CA:     agent.CACert{CertPEMBytes: caCertPEM},
		Client: agent.Cert{CertPEMBytes: certPEM, KeyPEMBytes: keyPEM},
	}
	c, err := agent.NewClient(logger.Sugar(), certs, ctx.String("host"), ctx.Int("port"))
	if err != nil {
		return nil, fmt.Errorf("building agent client: %w", err)
	}
	return c.Process(), nil
}

func parsePID(ctx *cli.Context) (int, error) {
	if ctx.NArg() != 1 {
		return 0, errors.New("expected exactly one PID argument")
	}
	pid, err := strconv.Atoi(ctx.Args().First())
	if err != nil {
		return 0, fmt.Errorf("parsing PID: %w", err)
	}
	return pid, nil
}

func parseEnvs(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	envs := map[string]string{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q, expected K=V", kv)
		}
		envs[k] = v
	}
	return envs, nil
}

// interruptible returns a context that is canceled on SIGINT or SIGTERM.
func interruptible(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
}

// exitWith turns a completed process into the exit code of this command.
func exitWith(out *process.ProcessOutput, err error) error {
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return cli.Exit("", out.ExitCode)
	}
	return nil
}

func ps(ctx *cli.Context) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	procs, err := client.List(ctx.Context, process.RequestOptions{})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tUSER\tCWD\tCMD")
	for _, p := range procs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.PID, p.User, p.Cwd, strings.Join(append([]string{p.Cmd}, p.Args...), " "))
	}
	return w.Flush()
}

func run(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("expected a command")
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	envs, err := parseEnvs(ctx.StringSlice("env"))
	if err != nil {
		return err
	}
	opts := process.StartOptions{
		Cwd:            ctx.String("cwd"),
		User:           ctx.String("user"),
		Envs:           envs,
		Timeout:        ctx.Duration("timeout"),
		RequestTimeout: ctx.Duration("request-timeout"),
	}
	cmd := strings.Join(ctx.Args().Slice(), " ")

	if ctx.Bool("background") {
		h, err := client.Start(ctx.Context, cmd, opts)
		if err != nil {
			return err
		}
		fmt.Println(h.PID())
		// the process keeps running after the stream is abandoned
		h.Disconnect()
		<-h.Done()
		return nil
	}

	runCtx, stop := interruptible(ctx)
	defer stop()
	opts.OnStdout = process.WriterFunc(os.Stdout)
	opts.OnStderr = process.WriterFunc(os.Stderr)
	return exitWith(client.Run(runCtx, cmd, opts))
}

func connect(ctx *cli.Context) error {
	pid, err := parsePID(ctx)
	if err != nil {
		return err
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	connectCtx, stop := interruptible(ctx)
	defer stop()
	h, err := client.Connect(connectCtx, pid, process.ConnectOptions{
		OnStdout:       process.WriterFunc(os.Stdout),
		OnStderr:       process.WriterFunc(os.Stderr),
		Timeout:        ctx.Duration("timeout"),
		RequestTimeout: ctx.Duration("request-timeout"),
	})
	if err != nil {
		return err
	}
	return exitWith(h.Wait(context.Background()))
}

func kill(ctx *cli.Context) error {
	pid, err := parsePID(ctx)
	if err != nil {
		return err
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	return client.Kill(ctx.Context, pid, process.RequestOptions{})
}

func main() {
	app := &cli.App{
		Name:  "sbx",
		Usage: "run and manage processes in a sandbox",
		Flags: connFlags,
		Commands: []*cli.Command{
			{
				Name:   "ps",
				Usage:  "list running processes",
				Action: ps,
			},
			{
				Name:      "run",
				Usage:     "run a command through a login shell",
				ArgsUsage: "CMD...",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "background",
						Usage: "Print the PID and return once the process has started.",
					},
					&cli.StringFlag{
						Name:  "cwd",
						Usage: "Working directory of the process.",
					},
					&cli.StringFlag{
						Name:  "user",
						Usage: "User to run the process as.",
						Value: process.DefaultUser,
					},
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "Environment variable for the process, as K=V. May be repeated.",
					},
				}, timeoutFlags...),
				Action: run,
			},
			{
				Name:      "connect",
				Usage:     "stream the output of a running process until it exits",
				ArgsUsage: "PID",
				Flags:     timeoutFlags,
				Action:    connect,
			},
			{
				Name:      "kill",
				Usage:     "send SIGKILL to a process",
				ArgsUsage: "PID",
				Action:    kill,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
