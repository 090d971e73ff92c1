// Package discovery advertises the gateway over mDNS and browses for
// Android devices that expose wireless debugging.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/hashicorp/mdns"

	"github.com/rvald/devicegw/internal/protocol"
)

// ServiceType is the mDNS service the gateway registers under.
const ServiceType = "_devicegw._tcp"

// Metadata holds the TXT record fields for the service.
type Metadata struct {
	DisplayName string // e.g., "Bench rack 2"
	LanHost     string // e.g., "bench.local"
	APIPath     string // defaults to "/api"
}

// Config holds configuration for the mDNS advertiser.
type Config struct {
	InstanceName string // Name of the service instance
	Port         int    // Port where the gateway listens
	Interface    string // Optional: only bind this interface
	Meta         Metadata
	Logger       *slog.Logger
}

// Advertiser manages the mDNS service registration.
type Advertiser struct {
	servers []*mdns.Server
	cfg     Config
	logger  *slog.Logger
}

// NewAdvertiser creates a new advertiser with the given config.
func NewAdvertiser(cfg Config) (*Advertiser, error) {
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("port must be > 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{cfg: cfg, logger: logger.With("component", "mdns")}, nil
}

func (a *Advertiser) txt() []string {
	api := a.cfg.Meta.APIPath
	if api == "" {
		api = "/api"
	}
	txt := []string{
		"protocol=" + strconv.Itoa(protocol.ServerProtocol),
		"port=" + strconv.Itoa(a.cfg.Port),
		"api=" + api,
		"ws=/ws",
	}
	if a.cfg.Meta.DisplayName != "" {
		txt = append(txt, "displayName="+a.cfg.Meta.DisplayName)
	}
	if a.cfg.Meta.LanHost != "" {
		txt = append(txt, "lanHost="+a.cfg.Meta.LanHost)
	}
	return txt
}

// Start begins advertising the service. The mdns servers answer queries
// from their own goroutines until Stop.
func (a *Advertiser) Start() error {
	service, err := mdns.NewMDNSService(
		a.cfg.InstanceName,
		ServiceType,
		"",
		"",
		a.cfg.Port,
		nil, // IPs (nil = all interfaces)
		a.txt(),
	)
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	var servers []*mdns.Server
	for _, iface := range ifaces {
		if a.cfg.Interface != "" && iface.Name != a.cfg.Interface {
			continue
		}
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagMulticast) == 0 {
			continue
		}

		server, err := mdns.NewServer(&mdns.Config{
			Zone:              service,
			Iface:             &iface,
			LogEmptyResponses: true,
		})
		if err != nil {
			a.logger.Warn("mdns interface bind failed", "iface", iface.Name, "error", err)
			continue
		}
		a.logger.Info("mdns interface bound", "iface", iface.Name)
		servers = append(servers, server)
	}

	// Fall back to the default interface if none bound and no filter is set.
	if len(servers) == 0 && a.cfg.Interface == "" {
		server, err := mdns.NewServer(&mdns.Config{
			Zone:              service,
			LogEmptyResponses: true,
		})
		if err != nil {
			return fmt.Errorf("start mdns server: %w", err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return fmt.Errorf("no mdns interfaces bound (filter=%q)", a.cfg.Interface)
	}

	a.servers = servers
	return nil
}

// Stop shuts down the mDNS advertisement.
func (a *Advertiser) Stop() error {
	var firstErr error
	for _, server := range a.servers {
		if server == nil {
			continue
		}
		if err := server.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.servers = nil
	return firstErr
}
