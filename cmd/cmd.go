// Package cmd is the flying command line: the send and receive commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flying/internal/config"
	"flying/internal/connection"
	"flying/internal/discovery"
	apperr "flying/internal/errors"
	"flying/internal/logging"
	"flying/internal/pipeline"
	"flying/internal/progress"
	"flying/internal/transfer"
)

const appName = "flying"

type app struct {
	cfg    config.Config
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	// discovery defaults to mDNS when nil
	discovery discovery.Service
}

func newApp(stdin *os.File, stdout, stderr io.Writer) *app {
	return &app{
		cfg:    config.Default(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logging.Discard(),
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Simple encrypted file transfer tool with automatic peer discovery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.logger = logging.NewWithWriter(a.stderr, appName, a.cfg.LogLevel)
			return nil
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	a.cfg.BindFlags(root.PersistentFlags())
	root.AddCommand(a.sendCommand(), a.receiveCommand())
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	if err := a.rootCommand().ExecuteContext(ctx); err != nil {
		kind, _ := apperr.TypeOf(err)
		a.logger.Error("command failed", "kind", kind, "err", err)
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runner wires one session's establisher and transfer options from the config.
func (a *app) runner(password string) *transfer.Runner {
	svc := a.discovery
	if svc == nil {
		svc = discovery.NewZeroconf(a.logger)
	}
	return &transfer.Runner{
		Establisher: &connection.Establisher{
			Discovery:        svc,
			Port:             a.cfg.Port,
			DiscoveryTimeout: a.cfg.DiscoveryTimeout,
			Logger:           a.logger,
			OnListening: func(addr net.Addr) {
				fmt.Fprintf(a.stdout, "Waiting for a peer on port %d...\n", addr.(*net.TCPAddr).Port)
			},
		},
		Version: a.cfg.ProtocolVersion,
		Options: transfer.Options{
			Key:    pipeline.DeriveKey(password),
			Logger: a.logger,
			Output: a.stdout,
			NewProgress: func(name string) func(int) {
				return progress.Bar(a.stderr, name)
			},
		},
	}
}
