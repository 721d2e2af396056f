// Command satnet-emu runs a small satellite-like NDN network: one
// forwarding daemon per node inside its own network namespace, links
// shaped with tc, and scheduled access-link handovers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/satnet-emulator/internal/logging"
)

// exitUnknownNode is the exec status for a node name that is not part of
// the running topology, kept apart from any status the daemon can return.
const exitUnknownNode = 125

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(in, out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(errOut, "satnet-emu:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(errOut, "satnet-emu:", err)
	return 1
}

type globalOptions struct {
	envFile   string
	logLevel  string
	logFormat string
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "satnet-emu",
		Short: "Emulate a satellite-like NDN network with one forwarding daemon per node.",
		Long: `satnet-emu builds a topology of network namespaces joined by shaped veth links, ` +
			`starts a forwarding daemon in each, and keeps it running for experiments. ` +
			`Access links can be handed over between relays on a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(g.envFile)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&g.envFile, "env-file", "", "load environment variables from this file (default: .env when present)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error (default $LOG_LEVEL or info)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json (default $LOG_FORMAT or text)")

	root.AddCommand(
		newRunCmd(g),
		newExecCmd(),
		newValidateCmd(),
	)
	return root
}

// loadEnv loads an explicit env file, or .env when it exists. Variables
// already set in the environment win.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func (g *globalOptions) logger(w io.Writer) logging.Logger {
	level, format := g.logLevel, g.logFormat
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	return logging.New(logging.Config{Level: level, Format: format, Output: w})
}
