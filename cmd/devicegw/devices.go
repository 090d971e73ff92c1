package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rvald/devicegw/internal/adb"
	"github.com/rvald/devicegw/internal/device/registry"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Run one discovery round and list reachable devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		runner := adb.ExecRunner{Path: cfg.ADB.Path}
		reg := registry.New(buildDiscoverer(cfg, runner, slog.Default()), slog.Default())
		devices, err := reg.Refresh(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices found.")
			return nil
		}

		fmt.Printf("%-28s  %-24s  %s\n", "ID", "NAME", "SOURCE")
		for _, d := range devices {
			fmt.Printf("%-28s  %-24s  %s\n", d.ID, d.Name, d.Source)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
