package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshcore/internal/bridge"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the core version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), bridge.Version)
	},
}
