package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "missioncontroller",
		Short: "Autonomous drone mission controller",
		Long: `Flies a mission plan over and over: arm, take off, fly the plan,
land, charge, repeat. The flight controller is reached over MAVLink.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
