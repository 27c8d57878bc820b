// Package config loads the TOML configuration shared by the rgs sub-commands.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

var ErrInvalid = errors.New("config: invalid")

// Duration decodes TOML strings such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Log        LogConfig        `toml:"log"`
	Database   DatabaseConfig   `toml:"database"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Link       LinkConfig       `toml:"link"`
	Ingest     IngestConfig     `toml:"ingest"`
	API        APIConfig        `toml:"api"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat"`
}

type LogConfig struct {
	Level string `toml:"level"`
	Dev   bool   `toml:"dev"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// BridgeConfig configures the serial multiplexer.
type BridgeConfig struct {
	Listen         string   `toml:"listen"`
	Serial         string   `toml:"serial"`
	Baud           int      `toml:"baud"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
	MetricsAddr    string   `toml:"metrics_addr"` // empty disables
}

// DispatcherConfig configures the outbox dispatcher.
type DispatcherConfig struct {
	Gateway        string   `toml:"gateway"`
	PollInterval   Duration `toml:"poll_interval"`
	BatchSize      int      `toml:"batch_size"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
	SystemID       uint8    `toml:"system_id"`
	ComponentID    uint8    `toml:"component_id"`
	Target         string   `toml:"target"`
}

type LinkConfig struct {
	PingInterval   Duration `toml:"ping_interval"`
	DrainLimit     int      `toml:"drain_limit"`
	InflightExpiry Duration `toml:"inflight_expiry"`
}

type IngestConfig struct {
	Gateway      string   `toml:"gateway"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout Duration `toml:"batch_timeout"`
}

type APIConfig struct {
	Listen string `toml:"listen"`
}

type HeartbeatConfig struct {
	PingInterval        Duration `toml:"ping_interval"`
	StatusInterval      Duration `toml:"status_interval"`
	ServicePingInterval Duration `toml:"service_ping_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{Path: "rgs.db"},
		Bridge: BridgeConfig{
			Listen:         "127.0.0.1:5656",
			Serial:         "/dev/ttyUSB0",
			Baud:           57600,
			ReconnectDelay: Duration{time.Second},
		},
		Dispatcher: DispatcherConfig{
			Gateway:        "tcpout:127.0.0.1:5656",
			PollInterval:   Duration{time.Second},
			BatchSize:      10,
			ReconnectDelay: Duration{5 * time.Second},
			SystemID:       255,
			ComponentID:    190,
			Target:         radio.NodePressureBoard.String(),
		},
		Link: LinkConfig{
			PingInterval:   Duration{5 * time.Second},
			DrainLimit:     8,
			InflightExpiry: Duration{30 * time.Second},
		},
		Ingest: IngestConfig{
			Gateway:      "tcpout:127.0.0.1:5656",
			BatchSize:    100,
			BatchTimeout: Duration{500 * time.Millisecond},
		},
		API: APIConfig{Listen: "127.0.0.1:8080"},
		Heartbeat: HeartbeatConfig{
			PingInterval:        Duration{5 * time.Second},
			StatusInterval:      Duration{15 * time.Second},
			ServicePingInterval: Duration{30 * time.Second},
		},
	}
}

// Load decodes path over Default. Keys the file does not set keep their
// defaults; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	// The expiry follows the ping interval unless pinned explicitly.
	if meta.IsDefined("link", "ping_interval") && !meta.IsDefined("link", "inflight_expiry") {
		cfg.Link.InflightExpiry = Duration{6 * cfg.Link.PingInterval.Duration}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting no component can run with.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is empty", ErrInvalid)
	}
	if c.Bridge.Baud <= 0 {
		return fmt.Errorf("%w: bridge.baud must be positive", ErrInvalid)
	}
	for name, conn := range map[string]string{
		"dispatcher.gateway": c.Dispatcher.Gateway,
		"ingest.gateway":     c.Ingest.Gateway,
	} {
		if _, err := transport.ParseAddress(conn); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if _, err := radio.ParseNode(c.Dispatcher.Target); err != nil {
		return fmt.Errorf("%w: dispatcher.target: %v", ErrInvalid, err)
	}
	if c.Dispatcher.BatchSize <= 0 || c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalid)
	}
	if c.Link.DrainLimit <= 0 {
		return fmt.Errorf("%w: link.drain_limit must be positive", ErrInvalid)
	}
	for name, d := range map[string]Duration{
		"bridge.reconnect_delay":          c.Bridge.ReconnectDelay,
		"dispatcher.poll_interval":        c.Dispatcher.PollInterval,
		"dispatcher.reconnect_delay":      c.Dispatcher.ReconnectDelay,
		"link.ping_interval":              c.Link.PingInterval,
		"link.inflight_expiry":            c.Link.InflightExpiry,
		"ingest.batch_timeout":            c.Ingest.BatchTimeout,
		"heartbeat.ping_interval":         c.Heartbeat.PingInterval,
		"heartbeat.status_interval":       c.Heartbeat.StatusInterval,
		"heartbeat.service_ping_interval": c.Heartbeat.ServicePingInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	return nil
}
