package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel      logrus.Level  `yaml:"-" json:"log_level"`
	ScanTimeout   time.Duration `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	DeviceTimeout time.Duration `yaml:"device_timeout" json:"device_timeout" default:"30s"`
	OutputFormat  string        `yaml:"output_format" json:"output_format" default:"table"` // table, json
	Simulation    Simulation    `yaml:"simulation" json:"simulation"`
}

// Simulation tunes the radio model shared by every simulated peripheral.
type Simulation struct {
	// ConnectionInterval applies to peripherals that do not set their own.
	ConnectionInterval time.Duration `yaml:"connection_interval" json:"connection_interval" default:"45ms"`
	// SupervisionTimeout is the latency of an unexpected link loss.
	SupervisionTimeout time.Duration `yaml:"supervision_timeout" json:"supervision_timeout" default:"4s"`
	// RSSIDeviation bounds the uniform jitter added to proximity RSSI.
	RSSIDeviation int `yaml:"rssi_deviation" json:"rssi_deviation" default:"15"`
	// WriteCredits is the write-without-response flow control window.
	WriteCredits int `yaml:"write_credits" json:"write_credits" default:"20"`
	// DefaultMTU applies to peripherals that do not set their own.
	DefaultMTU int `yaml:"default_mtu" json:"default_mtu" default:"23"`
	// Seed feeds the RSSI jitter source.
	Seed uint64 `yaml:"seed" json:"seed" default:"1"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var level struct {
		LogLevel string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(data, &level); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if level.LogLevel != "" {
		lvl, err := logrus.ParseLevel(level.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the simulation cannot honor.
func (c *Config) Validate() error {
	s := c.Simulation
	switch {
	case s.ConnectionInterval <= 0:
		return fmt.Errorf("simulation.connection_interval must be positive, got %v", s.ConnectionInterval)
	case s.SupervisionTimeout <= 0:
		return fmt.Errorf("simulation.supervision_timeout must be positive, got %v", s.SupervisionTimeout)
	case s.RSSIDeviation < 0:
		return fmt.Errorf("simulation.rssi_deviation must not be negative, got %d", s.RSSIDeviation)
	case s.WriteCredits <= 0:
		return fmt.Errorf("simulation.write_credits must be positive, got %d", s.WriteCredits)
	case s.DefaultMTU < 23 || s.DefaultMTU > 517:
		return fmt.Errorf("simulation.default_mtu must be within [23, 517], got %d", s.DefaultMTU)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
