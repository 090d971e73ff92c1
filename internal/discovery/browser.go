package discovery

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/rvald/devicegw/internal/device"
)

// WirelessADBService is advertised by Android 11+ devices with wireless
// debugging turned on and already paired.
const WirelessADBService = "_adb-tls-connect._tcp"

const defaultBrowseTimeout = 2 * time.Second

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	Service string        // defaults to WirelessADBService
	Timeout time.Duration // per query
	Logger  *slog.Logger
}

// Browser is a device.Discoverer backed by an mDNS query. Device ids are
// host:port, which is also what `adb connect` and `adb -s` expect.
type Browser struct {
	service string
	timeout time.Duration
	logger  *slog.Logger
	query   func(*mdns.QueryParam) error
}

// NewBrowser creates a Browser.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Service == "" {
		cfg.Service = WirelessADBService
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBrowseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{
		service: cfg.Service,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "mdns-browser"),
		query:   mdns.Query,
	}
}

// Discover runs one query and returns the answering devices sorted by id.
func (b *Browser) Discover(ctx context.Context) ([]device.Device, error) {
	timeout := b.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, device.Wrap(device.CodeDiscovery, "", context.DeadlineExceeded)
	}

	entries := make(chan *mdns.ServiceEntry, 64)
	params := mdns.DefaultParams(b.service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	if err := b.query(params); err != nil {
		return nil, &device.Error{Code: device.CodeDiscovery, Message: "mdns query " + b.service, Err: err}
	}
	close(entries)

	seen := make(map[string]bool)
	var devices []device.Device
	for entry := range entries {
		d, ok := b.toDevice(entry)
		if !ok || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	b.logger.Debug("mdns browse", "service", b.service, "count", len(devices))
	return devices, nil
}

func (b *Browser) toDevice(e *mdns.ServiceEntry) (device.Device, bool) {
	if e == nil || e.Port <= 0 {
		return device.Device{}, false
	}
	host := ""
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = e.AddrV6.String()
	default:
		host = strings.TrimSuffix(e.Host, ".")
	}
	if host == "" {
		return device.Device{}, false
	}
	return device.Device{
		ID:        net.JoinHostPort(host, strconv.Itoa(e.Port)),
		Name:      instanceName(e.Name, b.service),
		Reachable: true,
		Source:    "mdns",
	}, true
}

// instanceName strips "._service._tcp.local." from a full service name.
func instanceName(full, service string) string {
	name := strings.TrimSuffix(full, ".")
	if i := strings.Index(name, "."+service); i > 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}
