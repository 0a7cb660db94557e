package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Relay.ListenAddr)
	require.Equal(t, 1000, cfg.Relay.MaxAgents)
	require.Equal(t, 30*time.Second, cfg.Client.HeartbeatInterval)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	yamlBody := "relay:\n  listen_addr: \":9000\"\n  max_agents: 5\nclient:\n  relay_url: \"ws://relay.example:9000/ws\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Relay.ListenAddr)
	require.Equal(t, 5, cfg.Relay.MaxAgents)
	require.Equal(t, "ws://relay.example:9000/ws", cfg.Client.RelayURL)
	// untouched fields keep their defaults
	require.Equal(t, 30*time.Second, cfg.Relay.PingInterval)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  listen_addr: \":9000\"\n"), 0o644))

	t.Setenv("BURROW_RELAY_LISTEN", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Relay.ListenAddr)
}
