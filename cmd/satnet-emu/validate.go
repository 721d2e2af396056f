package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/satnet-emulator/model"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <topology.json>",
		Short: "Check a topology file without building anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := model.LoadTopologyFile(args[0])
			if err != nil {
				return err
			}
			if err := spec.Validate(model.DefaultClassDefaults()); err != nil {
				return err
			}
			standby := 0
			for _, l := range spec.Links {
				if l.Standby {
					standby++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, %d links (%d standby), %d handovers\n",
				spec.Name, len(spec.Nodes), len(spec.Links), standby, len(spec.Handovers))
			return nil
		},
	}
}
