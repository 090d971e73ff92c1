package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rvald/devicegw/internal/config"
)

const version = "0.1.0"

var (
	// Persistent flags
	cfgFile     string
	cfgStateDir string

	// Server flags override the config file when set.
	cfgPort int
	cfgBind string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "devicegw",
	Short: "Device session and command dispatch gateway",
	Long:  `devicegw exposes USB and wireless Android devices to authenticated operators and runs one action per device at a time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("state-dir") {
			loaded.StateDir = cfgStateDir
		}
		if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
			loaded.Server.Port = cfgPort
		}
		if f := cmd.Flags().Lookup("bind"); f != nil && f.Changed {
			loaded.Server.Bind = cfgBind
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("DEVICEGW_CONFIG"), "Path to devicegw.yaml")
	rootCmd.PersistentFlags().StringVar(&cfgStateDir, "state-dir", config.DefaultStateDir(), "Directory for persistent state")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
