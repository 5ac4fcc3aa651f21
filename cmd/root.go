package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/coapnode/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "coapnode",
	Short: "Sensor node and thermostat speaking CoAP over UDP",
	Long: `Sensor node and thermostat speaking CoAP over UDP.

The sensor node publishes its readings as observable resources, the
thermostat finds a node by multicast and observes them.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(ThermostatCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
