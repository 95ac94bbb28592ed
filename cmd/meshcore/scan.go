package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshcore/internal/ble"
	"github.com/chaz8081/meshcore/internal/peer"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "list nearby mesh nodes",
	Long:  `scan listens for nodes advertising the mesh service and prints each one with its peer id.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := setup(); err != nil {
			return err
		}

		fmt.Printf("Scanning for %s...\n", scanTimeout)
		devices, err := ble.ScanForDevices(ble.NewTinyGoAdapter(), scanTimeout)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No mesh nodes found.")
			return nil
		}

		for _, d := range devices {
			name := d.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("  %s  %-20s %-18s %4d dBm\n", peer.DeriveID(d.Address), name, d.Address, d.RSSI)
		}
		fmt.Printf("%d node(s) found\n", len(devices))
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "how long to scan")
}
