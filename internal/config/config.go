package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Updater   UpdaterConfig   `yaml:"updater"`
}

// BluetoothConfig holds connection lifecycle settings.
type BluetoothConfig struct {
	ScanTimeoutSec       int `yaml:"scan_timeout"`        // seconds
	ConnectTimeoutSec    int `yaml:"connect_timeout"`     // seconds
	DegradedGraceSec     int `yaml:"degraded_grace"`      // seconds before link loss is treated as permanent
	ReconnectRetries     int `yaml:"reconnect_retries"`   // -1 means unbounded
	ReconnectMaxDelaySec int `yaml:"reconnect_max_delay"` // backoff cap, seconds
}

// UpdaterConfig holds OTA transfer settings.
type UpdaterConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	AckTimeoutMS int `yaml:"ack_timeout"` // milliseconds
	AckRetries   int `yaml:"ack_retries"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "arcticlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Bluetooth: BluetoothConfig{
			ScanTimeoutSec:       5,
			ConnectTimeoutSec:    5,
			DegradedGraceSec:     3,
			ReconnectRetries:     5,
			ReconnectMaxDelaySec: 30,
		},
		Updater: UpdaterConfig{
			ChunkSize:    500,
			AckTimeoutMS: 500,
			AckRetries:   3,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Bluetooth.ScanTimeoutSec <= 0 {
		return fmt.Errorf("bluetooth.scan_timeout must be > 0")
	}
	if c.Bluetooth.ConnectTimeoutSec <= 0 {
		return fmt.Errorf("bluetooth.connect_timeout must be > 0")
	}
	if c.Bluetooth.DegradedGraceSec <= 0 {
		return fmt.Errorf("bluetooth.degraded_grace must be > 0")
	}
	if c.Bluetooth.ReconnectRetries < -1 {
		return fmt.Errorf("bluetooth.reconnect_retries must be >= -1, got %d", c.Bluetooth.ReconnectRetries)
	}
	if c.Bluetooth.ReconnectMaxDelaySec <= 0 {
		return fmt.Errorf("bluetooth.reconnect_max_delay must be > 0")
	}

	if c.Updater.ChunkSize <= 0 {
		return fmt.Errorf("updater.chunk_size must be > 0")
	}
	if c.Updater.AckTimeoutMS <= 0 {
		return fmt.Errorf("updater.ack_timeout must be > 0")
	}
	if c.Updater.AckRetries <= 0 {
		return fmt.Errorf("updater.ack_retries must be > 0")
	}
	return nil
}
