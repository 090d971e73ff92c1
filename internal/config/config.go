// Package config loads the gateway configuration.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional YAML file, DEVICEGW_* environment variables and command-line
// flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rvald/devicegw/internal/device"
)

// Discovery sources.
const (
	SourceADB    = "adb"
	SourceMDNS   = "mdns"
	SourceStatic = "static"
)

// Config is the complete gateway configuration.
type Config struct {
	StateDir  string          `yaml:"state_dir"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	ADB       ADBConfig       `yaml:"adb"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Discord   DiscordConfig   `yaml:"discord"`
	MDNS      MDNSConfig      `yaml:"mdns"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Bind           string        `yaml:"bind"` // loopback or lan
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// AdminRole is the session role allowed to toggle interception.
	AdminRole string `yaml:"admin_role"`
}

// DispatchConfig tunes the command dispatcher.
type DispatchConfig struct {
	// Cooldown holds a device busy after each action. Zero, the default,
	// returns it to Idle as soon as the outcome is recorded.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DiscoveryConfig selects where devices come from.
type DiscoveryConfig struct {
	Sources      []string       `yaml:"sources"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	Static       []StaticDevice `yaml:"static"`
}

// StaticDevice is a device that is always listed.
type StaticDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ADBConfig configures the adb driver.
type ADBConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	// Proxy is written to the device's http_proxy when interception is on.
	Proxy string `yaml:"proxy"`
	// Actions maps action names to adb argument templates. They replace the
	// built-in templates per action; an empty list disables an action.
	Actions map[string][]string `yaml:"actions"`
}

// SessionsConfig configures operator sessions.
type SessionsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// DiscordConfig configures the optional bot.
type DiscordConfig struct {
	Token     string   `yaml:"token"`
	GuildID   string   `yaml:"guild_id"`
	Admins    []string `yaml:"admins"`
	Operators []string `yaml:"operators"`
}

// MDNSConfig configures the gateway advertisement.
type MDNSConfig struct {
	Advertise     bool          `yaml:"advertise"`
	InstanceName  string        `yaml:"instance_name"`
	Interface     string        `yaml:"interface"`
	BrowseTimeout time.Duration `yaml:"browse_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir(),
		LogLevel: "info",
		Server: ServerConfig{
			Port:           18790,
			Bind:           "loopback",
			RateLimit:      20,
			RateBurst:      40,
			RequestTimeout: 60 * time.Second,
			TickInterval:   15 * time.Second,
			AdminRole:      "admin",
		},
		Discovery: DiscoveryConfig{
			Sources:      []string{SourceADB},
			PollInterval: 5 * time.Second,
		},
		ADB: ADBConfig{
			Path:    "adb",
			Timeout: 30 * time.Second,
		},
		Sessions: SessionsConfig{TTL: 12 * time.Hour},
		MDNS: MDNSConfig{
			InstanceName:  "devicegw",
			BrowseTimeout: 2 * time.Second,
		},
	}
}

// DefaultStateDir returns XDG_STATE_HOME/devicegw or ~/.local/state/devicegw.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "devicegw")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".devicegw", "state")
	}
	return filepath.Join(home, ".local", "state", "devicegw")
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from DEVICEGW_* and DISCORD_* variables.
func (c *Config) ApplyEnv() {
	c.StateDir = envStr("DEVICEGW_STATE_DIR", c.StateDir)
	c.LogLevel = envStr("DEVICEGW_LOG_LEVEL", c.LogLevel)
	c.Server.Port = envInt("DEVICEGW_PORT", c.Server.Port)
	c.Server.Bind = envStr("DEVICEGW_BIND", c.Server.Bind)
	c.ADB.Path = envStr("DEVICEGW_ADB_PATH", c.ADB.Path)
	c.ADB.Proxy = envStr("DEVICEGW_PROXY", c.ADB.Proxy)
	if v := os.Getenv("DEVICEGW_DISCOVERY"); v != "" {
		c.Discovery.Sources = strings.Split(v, ",")
	}
	c.Discord.Token = envStr("DISCORD_BOT_TOKEN", c.Discord.Token)
	c.Discord.GuildID = envStr("DISCORD_GUILD_ID", c.Discord.GuildID)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.Bind != "loopback" && c.Server.Bind != "lan" {
		errs = append(errs, fmt.Errorf("invalid bind mode: %q (must be \"loopback\" or \"lan\")", c.Server.Bind))
	}
	if c.Server.Bind == "lan" && len(c.Server.AllowedOrigins) == 0 {
		errs = append(errs, fmt.Errorf("refusing to start: bind lan requires server.allowed_origins"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must be >= 0"))
	}
	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Discovery.Sources) == 0 {
		errs = append(errs, fmt.Errorf("discovery.sources must name at least one source"))
	}
	for _, src := range c.Discovery.Sources {
		switch strings.TrimSpace(src) {
		case SourceADB, SourceMDNS:
		case SourceStatic:
			if len(c.Discovery.Static) == 0 {
				errs = append(errs, fmt.Errorf("discovery source static needs discovery.static devices"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown discovery source %q", src))
		}
	}
	for i, d := range c.Discovery.Static {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("discovery.static[%d]: id is required", i))
		}
	}

	for name := range c.ADB.Actions {
		if _, ok := device.ParseAction(name); !ok {
			errs = append(errs, fmt.Errorf("adb.actions: unknown action %q", name))
		}
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// StaticDevices converts the static device list.
func (c *Config) StaticDevices() []device.Device {
	out := make([]device.Device, 0, len(c.Discovery.Static))
	for _, d := range c.Discovery.Static {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		out = append(out, device.Device{ID: d.ID, Name: name, Reachable: true, Source: SourceStatic})
	}
	return out
}

// Templates merges the configured adb actions over defaults.
func (c *Config) Templates(defaults map[device.Action][]string) map[device.Action][]string {
	out := make(map[device.Action][]string, len(defaults)+len(c.ADB.Actions))
	for a, args := range defaults {
		out[a] = args
	}
	for name, args := range c.ADB.Actions {
		a, ok := device.ParseAction(name)
		if !ok {
			continue
		}
		if len(args) == 0 {
			delete(out, a)
			continue
		}
		out[a] = args
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
