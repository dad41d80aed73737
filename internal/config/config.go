package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Probe modes understood by the orchestrator.
const (
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
	ProbeNone = "none"
)

// Config holds the application configuration shared by the discovery daemon
// and the orchestrator.
type Config struct {
	NodeID     string `mapstructure:"node_id"`
	NodeIDFile string `mapstructure:"node_id_file"`
	PeerFile   string `mapstructure:"peer_file"`

	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	MDNS         MDNSConfig         `mapstructure:"mdns"`
	Status       StatusConfig       `mapstructure:"status"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DiscoveryConfig holds multicast and liveness settings.
type DiscoveryConfig struct {
	Group     string `mapstructure:"group"`
	Port      int    `mapstructure:"port"`
	TTL       int    `mapstructure:"ttl"`
	Interface string `mapstructure:"interface"` // empty lets the kernel pick
	Loopback  bool   `mapstructure:"loopback"`

	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	PeerTimeout      time.Duration `mapstructure:"peer_timeout"` // healthy -> stale
	GracePeriod      time.Duration `mapstructure:"grace_period"` // stale -> evicted
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	PersistInterval  time.Duration `mapstructure:"persist_interval"`

	// Ports advertised for this node.
	GRPCPort     int      `mapstructure:"grpc_port"`
	RESTPort     int      `mapstructure:"rest_port"`
	Capabilities []string `mapstructure:"capabilities"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// MDNSConfig controls the optional zeroconf advertisement and browse loop.
type MDNSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Service        string        `mapstructure:"service"`
	Domain         string        `mapstructure:"domain"`
	BrowseInterval time.Duration `mapstructure:"browse_interval"`
	BrowseTimeout  time.Duration `mapstructure:"browse_timeout"`
}

// StatusConfig controls the node-side status endpoints served by the daemon.
// The orchestrator's default http probe expects them, so they are on unless
// the node already serves its own /status and gRPC health.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// OrchestratorConfig holds probe and dispatch settings.
type OrchestratorConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReloadInterval    time.Duration `mapstructure:"reload_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	ProbeMode         string        `mapstructure:"probe_mode"`
	ProbePath         string        `mapstructure:"probe_path"`
	GRPCHealthService string        `mapstructure:"grpc_health_service"`
	Alpha             float64       `mapstructure:"alpha"`
	WatchPeerFile     bool          `mapstructure:"watch_peer_file"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		NodeIDFile: filepath.Join(home, ".venom_node_id"),
		PeerFile:   filepath.Join(home, ".venom_peers.json"),

		Discovery: DiscoveryConfig{
			Group:    "224.1.1.1",
			Port:     19845,
			TTL:      5,
			Loopback: true,

			AnnounceInterval: time.Second * 3,
			PeerTimeout:      time.Second * 10,
			GracePeriod:      time.Second * 100, // 10x timeout
			SweepInterval:    time.Second * 2,
			PersistInterval:  time.Second * 3,

			GRPCPort:     50051,
			RESTPort:     8000,
			Capabilities: []string{"fractal", "arbiter", "mesh"},
		},

		MDNS: MDNSConfig{
			Service:        "_venom-mesh._udp",
			Domain:         "local.",
			BrowseInterval: time.Second * 10,
			BrowseTimeout:  time.Second * 5,
		},

		Orchestrator: OrchestratorConfig{
			ListenAddr:     ":8950",
			ReloadInterval: time.Second * 5,
			ProbeInterval:  time.Second * 5,
			ProbeTimeout:   time.Second * 2,
			ProbeMode:      ProbeHTTP,
			ProbePath:      "/status",
			Alpha:          0.1,
			WatchPeerFile:  true,
		},

		Status: StatusConfig{
			Enabled: true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, an optional config file, VENOM_*
// environment variables and finally any flags in fs that were set.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("venom-mesh")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/venom")
	}

	v.SetEnvPrefix("VENOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"node-id":         "node_id",
	"peer-file":       "peer_file",
	"log-level":       "logging.level",
	"log-dir":         "logging.dir",
	"group":           "discovery.group",
	"port":            "discovery.port",
	"interface":       "discovery.interface",
	"grpc-port":       "discovery.grpc_port",
	"rest-port":       "discovery.rest_port",
	"metrics-addr":    "discovery.metrics_addr",
	"mdns":            "mdns.enabled",
	"serve-status":    "status.enabled",
	"listen":          "orchestrator.listen_addr",
	"probe-mode":      "orchestrator.probe_mode",
	"probe-interval":  "orchestrator.probe_interval",
	"reload-interval": "orchestrator.reload_interval",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can see it.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("node_id", c.NodeID)
	v.SetDefault("node_id_file", c.NodeIDFile)
	v.SetDefault("peer_file", c.PeerFile)

	v.SetDefault("discovery.group", c.Discovery.Group)
	v.SetDefault("discovery.port", c.Discovery.Port)
	v.SetDefault("discovery.ttl", c.Discovery.TTL)
	v.SetDefault("discovery.interface", c.Discovery.Interface)
	v.SetDefault("discovery.loopback", c.Discovery.Loopback)
	v.SetDefault("discovery.announce_interval", c.Discovery.AnnounceInterval)
	v.SetDefault("discovery.peer_timeout", c.Discovery.PeerTimeout)
	v.SetDefault("discovery.grace_period", c.Discovery.GracePeriod)
	v.SetDefault("discovery.sweep_interval", c.Discovery.SweepInterval)
	v.SetDefault("discovery.persist_interval", c.Discovery.PersistInterval)
	v.SetDefault("discovery.grpc_port", c.Discovery.GRPCPort)
	v.SetDefault("discovery.rest_port", c.Discovery.RESTPort)
	v.SetDefault("discovery.capabilities", c.Discovery.Capabilities)
	v.SetDefault("discovery.metrics_addr", c.Discovery.MetricsAddr)

	v.SetDefault("mdns.enabled", c.MDNS.Enabled)
	v.SetDefault("mdns.service", c.MDNS.Service)
	v.SetDefault("mdns.domain", c.MDNS.Domain)
	v.SetDefault("mdns.browse_interval", c.MDNS.BrowseInterval)
	v.SetDefault("mdns.browse_timeout", c.MDNS.BrowseTimeout)

	v.SetDefault("status.enabled", c.Status.Enabled)

	v.SetDefault("orchestrator.listen_addr", c.Orchestrator.ListenAddr)
	v.SetDefault("orchestrator.reload_interval", c.Orchestrator.ReloadInterval)
	v.SetDefault("orchestrator.probe_interval", c.Orchestrator.ProbeInterval)
	v.SetDefault("orchestrator.probe_timeout", c.Orchestrator.ProbeTimeout)
	v.SetDefault("orchestrator.probe_mode", c.Orchestrator.ProbeMode)
	v.SetDefault("orchestrator.probe_path", c.Orchestrator.ProbePath)
	v.SetDefault("orchestrator.grpc_health_service", c.Orchestrator.GRPCHealthService)
	v.SetDefault("orchestrator.alpha", c.Orchestrator.Alpha)
	v.SetDefault("orchestrator.watch_peer_file", c.Orchestrator.WatchPeerFile)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.dir", c.Logging.Dir)
}

// Validate checks the configuration for values the daemon or orchestrator
// cannot run with.
func (c *Config) Validate() error {
	d := c.Discovery

	ip := net.ParseIP(d.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("%w: discovery.group %q is not an IPv4 multicast address", ErrInvalidConfig, d.Group)
	}
	for name, port := range map[string]int{
		"discovery.port":      d.Port,
		"discovery.grpc_port": d.GRPCPort,
		"discovery.rest_port": d.RESTPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	if d.TTL < 1 || d.TTL > 255 {
		return fmt.Errorf("%w: discovery.ttl %d out of range", ErrInvalidConfig, d.TTL)
	}

	for name, dur := range map[string]time.Duration{
		"discovery.announce_interval":  d.AnnounceInterval,
		"discovery.peer_timeout":       d.PeerTimeout,
		"discovery.sweep_interval":     d.SweepInterval,
		"discovery.persist_interval":   d.PersistInterval,
		"orchestrator.reload_interval": c.Orchestrator.ReloadInterval,
		"orchestrator.probe_interval":  c.Orchestrator.ProbeInterval,
		"orchestrator.probe_timeout":   c.Orchestrator.ProbeTimeout,
	} {
		if dur <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if d.GracePeriod <= d.PeerTimeout {
		return fmt.Errorf("%w: discovery.grace_period (%v) must exceed discovery.peer_timeout (%v)",
			ErrInvalidConfig, d.GracePeriod, d.PeerTimeout)
	}

	if a := c.Orchestrator.Alpha; a <= 0 || a > 1 {
		return fmt.Errorf("%w: orchestrator.alpha %v must be in (0, 1]", ErrInvalidConfig, a)
	}
	switch c.Orchestrator.ProbeMode {
	case ProbeHTTP, ProbeGRPC, ProbeNone:
	default:
		return fmt.Errorf("%w: unknown orchestrator.probe_mode %q", ErrInvalidConfig, c.Orchestrator.ProbeMode)
	}

	if c.PeerFile == "" {
		return fmt.Errorf("%w: peer_file is required", ErrInvalidConfig)
	}
	if c.MDNS.Enabled && (c.MDNS.BrowseInterval <= 0 || c.MDNS.BrowseTimeout <= 0) {
		return fmt.Errorf("%w: mdns intervals must be positive", ErrInvalidConfig)
	}
	return nil
}
