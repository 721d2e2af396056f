package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/router"
	"github.com/signalsfoundry/satnet-emulator/registry"
)

func newExecCmd() *cobra.Command {
	var stateDir, ndnd string
	cmd := &cobra.Command{
		Use:   "exec <node> <command> [args...]",
		Short: "Run a daemon control command on a node of a running topology",
		Long: `Resolve <node> through the manifest in the state directory and run ` +
			`"ndnd <command> [args...]" against its control socket. The exit status is the ` +
			`daemon's own; an unknown node exits with 125.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := registry.LoadManifest(filepath.Join(stateDir, registry.ManifestFile))
			if err != nil {
				return fmt.Errorf("no running topology in %s: %w", stateDir, err)
			}
			bin, err := findNDND(ndnd)
			if err != nil {
				return err
			}

			rt := router.New(m, router.Config{Binary: bin})
			res, err := rt.Dispatch(cmd.Context(), args[0], args[1], args[2:], cmd.InOrStdin())
			if errors.Is(err, router.ErrUnknownNode) {
				return &exitError{code: exitUnknownNode, err: err}
			}
			if err != nil {
				return err
			}
			io.WriteString(cmd.OutOrStdout(), res.Stdout)
			io.WriteString(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		},
	}
	// Everything after the node name belongs to the daemon command.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&stateDir, "state-dir", core.DefaultStateDir, "state directory of the running topology")
	cmd.Flags().StringVar(&ndnd, "ndnd", "", "path to the ndnd binary (default: ndnd on PATH, then ./ndnd/ndnd)")
	return cmd
}
