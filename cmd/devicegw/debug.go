package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/rvald/devicegw/internal/discovery"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
}

var debugDiscoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Debug mDNS: list interfaces, browse for wireless-debugging devices, then advertise",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaces, err := net.Interfaces()
		if err != nil {
			return err
		}
		fmt.Println("Network Interfaces:")
		for _, iface := range ifaces {
			addrs, _ := iface.Addrs()
			fmt.Printf("- %s (Flags: %v)\n", iface.Name, iface.Flags)
			for _, addr := range addrs {
				fmt.Printf("  - %s\n", addr.String())
			}
		}
		fmt.Println()

		fmt.Printf("Browsing %s...\n", discovery.WirelessADBService)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		devices, err := discovery.NewBrowser(discovery.BrowserConfig{Timeout: 3 * time.Second}).Discover(ctx)
		cancel()
		if err != nil {
			fmt.Printf("  browse failed: %v\n", err)
		}
		for _, d := range devices {
			fmt.Printf("  - %s (%s)\n", d.ID, d.Name)
		}
		fmt.Println()

		adv, err := discovery.NewAdvertiser(discovery.Config{
			InstanceName: "devicegw debug",
			Port:         cfg.Server.Port,
			Interface:    cfg.MDNS.Interface,
			Meta:         discovery.Metadata{DisplayName: "devicegw debug"},
		})
		if err != nil {
			return err
		}
		if err := adv.Start(); err != nil {
			return fmt.Errorf("failed to start advertiser: %w", err)
		}
		defer adv.Stop()

		host, _ := os.Hostname()
		fmt.Printf("Advertising %s on %s port %d. Press Ctrl+C to stop.\n", discovery.ServiceType, host, cfg.Server.Port)

		sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		<-sigCtx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugDiscoveryCmd)
}
