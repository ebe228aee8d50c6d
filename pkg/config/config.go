package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/session"
	"github.com/srg/bleuart/tester"
)

const (
	DriverGoBLE = "go-ble"
	DriverBlueZ = "bluez"
)

// Config holds application configuration
type Config struct {
	LogLevel        string        `yaml:"log_level" default:"warn"`
	Driver          string        `yaml:"driver" default:"go-ble"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"30s"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" default:"5s"`
	WritePolicy     string        `yaml:"write_policy" default:"fragment"`
	ChunkInterval   time.Duration `yaml:"chunk_interval" default:"10ms"`
	ServiceUUID     string        `yaml:"service_uuid" default:"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"`
	WriteCharUUID   string        `yaml:"write_char_uuid" default:"ac7bf687-7a30-4336-a6f6-b8030930854d"`
	NotifyCharUUID  string        `yaml:"notify_char_uuid" default:"00002a2b-0000-1000-8000-00805f9b34fb"`
	TranscriptSize  uint32        `yaml:"transcript_size" default:"256"`
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultConfigPath returns ~/.config/bleuart/config.yaml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleuart", "config.yaml")
}

// Load reads a YAML config file. Missing fields keep their defaults. An empty
// path, or a missing file at the default path, yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.Driver {
	case DriverGoBLE, DriverBlueZ:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", DriverGoBLE, DriverBlueZ, c.Driver)
	}

	switch session.WritePolicy(c.WritePolicy) {
	case session.PolicyFragment, session.PolicyReject:
	default:
		return fmt.Errorf("write_policy must be %q or %q, got %q", session.PolicyFragment, session.PolicyReject, c.WritePolicy)
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":     c.ScanTimeout,
		"connect_timeout":  c.ConnectTimeout,
		"teardown_timeout": c.TeardownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}
	if c.ChunkInterval < 0 {
		return fmt.Errorf("chunk_interval must be >= 0, got %s", c.ChunkInterval)
	}

	for name, uuid := range map[string]string{
		"service_uuid":     c.ServiceUUID,
		"write_char_uuid":  c.WriteCharUUID,
		"notify_char_uuid": c.NotifyCharUUID,
	} {
		if _, err := ble.Parse(strings.TrimPrefix(strings.ToLower(uuid), "0x")); err != nil {
			return fmt.Errorf("%s %q is not a valid UUID: %w", name, uuid, err)
		}
	}

	if c.TranscriptSize == 0 || c.TranscriptSize > tester.MaxTranscriptSize {
		return fmt.Errorf("transcript_size must be between 1 and %d, got %d", tester.MaxTranscriptSize, c.TranscriptSize)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Profile returns the GATT profile the session binds to.
func (c *Config) Profile() device.Profile {
	return device.Profile{
		ServiceUUID:    c.ServiceUUID,
		WriteCharUUID:  c.WriteCharUUID,
		NotifyCharUUID: c.NotifyCharUUID,
	}
}

// SessionOptions maps the config onto session options.
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.Profile = c.Profile()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.TeardownTimeout = c.TeardownTimeout
	opts.WritePolicy = session.WritePolicy(c.WritePolicy)
	opts.ChunkInterval = c.ChunkInterval
	return opts
}

// TesterOptions maps the config onto tester options.
func (c *Config) TesterOptions(logger *logrus.Logger) tester.Options {
	opts := tester.DefaultOptions()
	opts.Scan.Duration = c.ScanTimeout
	opts.Session = c.SessionOptions()
	opts.TranscriptSize = c.TranscriptSize
	opts.Logger = logger
	return opts
}
