package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "224.1.1.1", cfg.Discovery.Group)
	assert.Equal(t, 19845, cfg.Discovery.Port)
	assert.Equal(t, 5, cfg.Discovery.TTL)
	assert.Equal(t, 3*time.Second, cfg.Discovery.AnnounceInterval)
	assert.Equal(t, 10*time.Second, cfg.Discovery.PeerTimeout)
	assert.Equal(t, 10*cfg.Discovery.PeerTimeout, cfg.Discovery.GracePeriod)
	assert.Equal(t, 0.1, cfg.Orchestrator.Alpha)
	// default http probes need the daemon's status endpoint
	assert.Equal(t, ProbeHTTP, cfg.Orchestrator.ProbeMode)
	assert.True(t, cfg.Status.Enabled)
	assert.Equal(t, ".venom_peers.json", filepath.Base(cfg.PeerFile))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unicast group", func(c *Config) { c.Discovery.Group = "10.0.0.1" }},
		{"garbage group", func(c *Config) { c.Discovery.Group = "not-an-ip" }},
		{"port zero", func(c *Config) { c.Discovery.Port = 0 }},
		{"rest port too large", func(c *Config) { c.Discovery.RESTPort = 70000 }},
		{"ttl zero", func(c *Config) { c.Discovery.TTL = 0 }},
		{"negative announce interval", func(c *Config) { c.Discovery.AnnounceInterval = -time.Second }},
		{"grace not above timeout", func(c *Config) { c.Discovery.GracePeriod = c.Discovery.PeerTimeout }},
		{"alpha zero", func(c *Config) { c.Orchestrator.Alpha = 0 }},
		{"alpha above one", func(c *Config) { c.Orchestrator.Alpha = 1.5 }},
		{"unknown probe mode", func(c *Config) { c.Orchestrator.ProbeMode = "icmp" }},
		{"empty peer file", func(c *Config) { c.PeerFile = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venom.yaml")
	content := `
node_id: node-from-file
peer_file: /tmp/peers.json
discovery:
  port: 20000
  peer_timeout: 5s
  grace_period: 50s
  capabilities: [gpu]
orchestrator:
  probe_mode: grpc
  alpha: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "node-from-file", cfg.NodeID)
	assert.Equal(t, "/tmp/peers.json", cfg.PeerFile)
	assert.Equal(t, 20000, cfg.Discovery.Port)
	assert.Equal(t, 5*time.Second, cfg.Discovery.PeerTimeout)
	assert.Equal(t, 50*time.Second, cfg.Discovery.GracePeriod)
	assert.Equal(t, []string{"gpu"}, cfg.Discovery.Capabilities)
	assert.Equal(t, ProbeGRPC, cfg.Orchestrator.ProbeMode)
	assert.Equal(t, 0.25, cfg.Orchestrator.Alpha)
	// untouched keys keep their defaults
	assert.Equal(t, "224.1.1.1", cfg.Discovery.Group)
}

func TestLoadEnvironmentAndFlags(t *testing.T) {
	t.Setenv("VENOM_DISCOVERY_PORT", "21000")
	t.Setenv("VENOM_ORCHESTRATOR_PROBE_MODE", "none")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("node-id", "", "")
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse([]string{"--node-id=flag-node", "--log-level=debug"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)

	assert.Equal(t, 21000, cfg.Discovery.Port)
	assert.Equal(t, ProbeNone, cfg.Orchestrator.ProbeMode)
	assert.Equal(t, "flag-node", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Status.Enabled)
}

func TestLoadServeStatusCanBeDisabled(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Bool("serve-status", true, "")
	require.NoError(t, fs.Parse([]string{"--serve-status=false"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.False(t, cfg.Status.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("VENOM_ORCHESTRATOR_ALPHA", "2")

	_, err := Load("", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
