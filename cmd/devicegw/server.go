package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rvald/devicegw/internal/adb"
	"github.com/rvald/devicegw/internal/config"
	"github.com/rvald/devicegw/internal/device"
	"github.com/rvald/devicegw/internal/device/registry"
	"github.com/rvald/devicegw/internal/discord"
	"github.com/rvald/devicegw/internal/discovery"
	"github.com/rvald/devicegw/internal/dispatch"
	"github.com/rvald/devicegw/internal/gateway"
	"github.com/rvald/devicegw/internal/intercept"
	"github.com/rvald/devicegw/internal/logger"
	"github.com/rvald/devicegw/internal/session"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		level, _ := cfg.Level()
		closer := logger.Setup(cfg.StateDir, level)
		defer closer.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runServer(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVar(&cfgPort, "port", 0, "HTTP/WebSocket port (overrides config)")
	serverCmd.Flags().StringVar(&cfgBind, "bind", "", "Bind mode: loopback or lan (overrides config)")
}

// buildDiscoverer chains the configured discovery sources in order.
func buildDiscoverer(cfg *config.Config, runner adb.Runner, log *slog.Logger) device.Discoverer {
	var sources []device.Discoverer
	for _, src := range cfg.Discovery.Sources {
		switch strings.TrimSpace(src) {
		case config.SourceADB:
			sources = append(sources, adb.NewDiscoverer(runner, log))
		case config.SourceMDNS:
			sources = append(sources, discovery.NewBrowser(discovery.BrowserConfig{
				Timeout: cfg.MDNS.BrowseTimeout,
				Logger:  log,
			}))
		case config.SourceStatic:
			sources = append(sources, registry.Static(cfg.StaticDevices()))
		}
	}
	if len(sources) == 1 {
		return sources[0]
	}
	return registry.Chain(sources...)
}

func buildDriver(cfg *config.Config, runner adb.Runner, log *slog.Logger) *adb.Driver {
	return adb.NewDriver(runner, adb.DriverConfig{
		Templates: cfg.Templates(adb.DefaultTemplates()),
		Proxy:     cfg.ADB.Proxy,
		Timeout:   cfg.ADB.Timeout,
		Logger:    log,
	})
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	store, err := session.NewStore(filepath.Join(cfg.StateDir, "sessions"))
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	runner := adb.ExecRunner{Path: cfg.ADB.Path}
	reg := registry.New(buildDiscoverer(cfg, runner, log), log)
	drv := buildDriver(cfg, runner, log)
	disp := dispatch.New(reg, drv, dispatch.Config{Cooldown: cfg.Dispatch.Cooldown, Logger: log})
	ctl := intercept.New(disp, drv, log)

	gw := gateway.New(gateway.Config{
		Server: gateway.ServerConfig{
			Port:           cfg.Server.Port,
			Bind:           cfg.Server.Bind,
			RateLimit:      cfg.Server.RateLimit,
			RateBurst:      cfg.Server.RateBurst,
			RequestTimeout: cfg.Server.RequestTimeout,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		TickInterval: cfg.Server.TickInterval,
		AdminRole:    cfg.Server.AdminRole,
	}, gateway.Deps{
		Registry:   reg,
		Dispatcher: disp,
		Controller: ctl,
		Sessions:   store,
		Logger:     log,
	})

	reg.OnChange(func(added, removed []string) {
		ctl.Forget(removed)
		gw.DevicesChanged(added, removed)
	})

	var advertiser *discovery.Advertiser
	if cfg.MDNS.Advertise {
		advertiser, err = discovery.NewAdvertiser(discovery.Config{
			InstanceName: cfg.MDNS.InstanceName,
			Port:         cfg.Server.Port,
			Interface:    cfg.MDNS.Interface,
			Meta:         discovery.Metadata{DisplayName: cfg.MDNS.InstanceName},
			Logger:       log,
		})
		if err == nil {
			err = advertiser.Start()
		}
		if err != nil {
			log.Warn("mdns advertisement disabled", "error", err)
			advertiser = nil
		}
	}

	var bot *discord.Bot
	if cfg.Discord.Token != "" {
		bot, err = discord.NewBot(discord.BotConfig{
			Token:   cfg.Discord.Token,
			GuildID: cfg.Discord.GuildID,
			Logger:  log,
		})
		if err != nil {
			return fmt.Errorf("discord init: %w", err)
		}
		router := discord.NewCommandRouter(reg, disp, ctl, discord.Access{
			Admins:    cfg.Discord.Admins,
			Operators: cfg.Discord.Operators,
		}, log)
		bot.SetRouter(router)
		bot.RegisterCommands(router.Commands())
		if err := bot.Start(ctx); err != nil {
			log.Warn("discord failed to connect", "error", err)
			bot = nil
		}
	}

	printBanner(cfg, bot != nil, advertiser != nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.Poll(ctx, cfg.Discovery.PollInterval)
		return nil
	})
	g.Go(func() error {
		pruneSessions(ctx, store, log)
		return nil
	})
	g.Go(func() error {
		return gw.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if bot != nil {
			bot.Stop()
		}
		if advertiser != nil {
			advertiser.Stop()
		}
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func pruneSessions(ctx context.Context, store *session.Store, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PruneExpired(now)
			if err != nil {
				log.Warn("session prune failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("pruned expired sessions", "count", n)
			}
		}
	}
}

func printBanner(cfg *config.Config, discordConnected, advertising bool) {
	bindAddr := "127.0.0.1"
	if cfg.Server.Bind == "lan" {
		bindAddr = "0.0.0.0"
	}
	status := func(on bool, yes string) string {
		if on {
			return yes
		}
		return "disabled"
	}

	fmt.Printf("\n")
	fmt.Printf("  devicegw v%s\n", version)
	fmt.Printf("  http://%s:%d/api  ws://%s:%d/ws  bind=%s\n", bindAddr, cfg.Server.Port, bindAddr, cfg.Server.Port, cfg.Server.Bind)
	fmt.Printf("  discovery: %s  cooldown: %s\n", strings.Join(cfg.Discovery.Sources, ","), cfg.Dispatch.Cooldown)
	fmt.Printf("  discord: %s  mdns: %s\n", status(discordConnected, "connected"), status(advertising, "advertising"))
	fmt.Printf("  state: %s\n", cfg.StateDir)
	fmt.Printf("  health: http://%s:%d/health\n", bindAddr, cfg.Server.Port)
	fmt.Printf("\n")
}
