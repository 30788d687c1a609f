package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/sandbox/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "sandboxagent",
		Usage: "the agent that runs and streams processes inside a sandbox",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
				Value: "none",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
				Value: agent.DefaultHeartbeatTimeout,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: agent.DefaultListenAddr,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The minimum log level. One of [debug,info,warn,error].",
				Value: "debug",
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"SANDBOXAGENT_CA_CERT_PEM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"SANDBOXAGENT_CERT_PEM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"SANDBOXAGENT_KEY_PEM"},
				Required: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
			case "shutdown":
				heartbeatFailureHandler = agent.HeartbeatFailureShutdown
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			a, err := agent.NewAgent(
				caCertPEMBytes,
				certPEMBytes,
				keyPEMBytes,
				agent.WithLogLevel(level),
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				if err := a.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "error stopping agent: %s\n", err)
				}
			}()

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
