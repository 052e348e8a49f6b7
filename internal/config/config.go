// Package config loads and validates the wagateway YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for wagateway.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Health    HealthConfig    `yaml:"health"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Tenants lists tenant IDs to connect automatically at startup.
	Tenants []string `yaml:"tenants"`
}

// StorageConfig controls credential persistence.
type StorageConfig struct {
	// BaseDir is the root directory holding one subdirectory per tenant.
	BaseDir string `yaml:"base_dir"`
}

// GatewayConfig controls per-session behavior.
type GatewayConfig struct {
	// QRRefresh is how long a QR token stays valid before it is cleared
	// and reissued.
	QRRefresh time.Duration `yaml:"qr_refresh"`

	// PairingCodeTTL is how long an issued pairing code is shown.
	PairingCodeTTL time.Duration `yaml:"pairing_code_ttl"`

	// SendTimeout bounds outbound send operations.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// MaxConnectionAttempts is the same-call connect ceiling per session.
	MaxConnectionAttempts int `yaml:"max_connection_attempts"`

	// ActivationKeyword opts a chat into automated triggers.
	ActivationKeyword string `yaml:"activation_keyword"`
}

// ReconnectConfig controls the scheduled-backoff reconnection policy.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// HealthConfig controls the periodic connection sweep.
type HealthConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ServerConfig controls the HTTP surface (metrics and status snapshots).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			BaseDir: "~/.wagateway/sessions",
		},
		Gateway: GatewayConfig{
			QRRefresh:             30 * time.Second,
			PairingCodeTTL:        60 * time.Second,
			SendTimeout:           60 * time.Second,
			MaxConnectionAttempts: 5,
			ActivationKeyword:     "!bot",
		},
		Reconnect: ReconnectConfig{
			MaxRetries: 3,
			BaseDelay:  5 * time.Second,
			MaxDelay:   300 * time.Second,
		},
		Health: HealthConfig{
			SweepInterval: 30 * time.Second,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns
// defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage: base_dir is required")
	}
	if c.Gateway.QRRefresh <= 0 {
		return fmt.Errorf("gateway: qr_refresh must be positive")
	}
	if c.Gateway.MaxConnectionAttempts <= 0 {
		return fmt.Errorf("gateway: max_connection_attempts must be positive")
	}
	if c.Reconnect.MaxRetries <= 0 {
		return fmt.Errorf("reconnect: max_retries must be positive")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect: delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Health.SweepInterval <= 0 {
		return fmt.Errorf("health: sweep_interval must be positive")
	}
	return nil
}
