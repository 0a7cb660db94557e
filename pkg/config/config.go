// Package config loads Burrow's relay/client configuration from a YAML
// file (lowest priority) and BURROW_* environment variables (highest
// priority), mirroring the two-source precedence implied by the teacher
// repo's go.mod carrying both gopkg.in/yaml.v3 and caarlos0/env side by
// side.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// RelayConfig configures the relay server.
type RelayConfig struct {
	ListenAddr        string        `yaml:"listen_addr" env:"BURROW_RELAY_LISTEN"`
	MaxAgents         int           `yaml:"max_agents" env:"BURROW_RELAY_MAX_AGENTS"`
	PingInterval      time.Duration `yaml:"ping_interval" env:"BURROW_RELAY_PING_INTERVAL"`
	OutboundQueueSize int           `yaml:"outbound_queue_size" env:"BURROW_RELAY_QUEUE_SIZE"`
	HistoryDSN        string        `yaml:"history_dsn" env:"BURROW_RELAY_HISTORY_DSN"`
	AuditDir          string        `yaml:"audit_dir" env:"BURROW_RELAY_AUDIT_DIR"`
}

// ClientConfig configures both agent-role and controller-role client
// supervisors; they share the same connection-management code (spec §4.2),
// so they share the same config shape.
type ClientConfig struct {
	RelayURL            string        `yaml:"relay_url" env:"BURROW_RELAY_URL"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay" env:"BURROW_RECONNECT_DELAY"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" env:"BURROW_HEARTBEAT_INTERVAL"`
	CircuitMaxFailures  int           `yaml:"circuit_max_failures" env:"BURROW_CIRCUIT_MAX_FAILURES"`
	CircuitResetTimeout time.Duration `yaml:"circuit_reset_timeout" env:"BURROW_CIRCUIT_RESET_TIMEOUT"`
	OutboundQueueSize   int           `yaml:"outbound_queue_size" env:"BURROW_CLIENT_QUEUE_SIZE"`
}

// Config is the full configuration document.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Client ClientConfig `yaml:"client"`
}

// Default returns a Config populated with the values spec.md §6 names
// (buffer sizes, heartbeat interval, reconnect delay) plus the bounded-queue
// and circuit-breaker defaults introduced in SPEC_FULL.md.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenAddr:        ":7070",
			MaxAgents:         1000,
			PingInterval:      30 * time.Second,
			OutboundQueueSize: 256,
		},
		Client: ClientConfig{
			RelayURL:            "ws://127.0.0.1:7070/ws",
			ReconnectDelay:      3 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			CircuitMaxFailures:  5,
			CircuitResetTimeout: 30 * time.Second,
			OutboundQueueSize:   256,
		},
	}
}

// Load reads the config file at path (if it exists; a missing file is not
// an error) and then applies BURROW_* environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no file — defaults only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment overrides: %w", err)
	}

	return cfg, nil
}
