package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the server looks for its config when --config is
// not given.
const DefaultPath = "~/.voicebridge/config.yaml"

// Config is the full server configuration, loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Devices   DevicesConfig   `yaml:"devices"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP listener that serves both the tool
// gateway and the device WebSocket endpoint.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// MCPPath is where the streamable HTTP tool endpoint is mounted.
	MCPPath string `yaml:"mcp_path"`
	// DevicePath is where devices open their WebSocket.
	DevicePath string `yaml:"device_path"`
}

// StoreConfig selects the persistence backend. Backend "sqlite" is
// standalone mode; "postgres" is managed mode.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DevicesConfig authenticates device connections. Tokens maps user id to
// the shared token that device presents on connect.
type DevicesConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// BridgeConfig tunes exchange timing. Zero values fall back to the
// built-in defaults.
type BridgeConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// RateLimitConfig throttles tool calls per credential.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	// Protocol is "grpc" or "http".
	Protocol string `yaml:"protocol"`
	Insecure bool   `yaml:"insecure"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:     "127.0.0.1:8790",
			MCPPath:    "/mcp",
			DevicePath: "/device",
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.voicebridge/bridge.db",
		},
		Devices: DevicesConfig{Tokens: map[string]string{}},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     5,
			Burst:   10,
		},
		Telemetry: TelemetryConfig{Protocol: "grpc", Insecure: true},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses the config file at path. A missing file yields
// the defaults rather than an error, so first runs work out of the box.
func Load(path string) (*Config, error) {
	path = ExpandHome(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func Save(cfg *Config, path string) error {
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite or postgres)", c.Store.Backend)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("unknown telemetry protocol %q (want grpc or http)", c.Telemetry.Protocol)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
