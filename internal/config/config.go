// Package config handles meshbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-value fields by [Load].
const (
	DefaultPollIntervalSec       = 30
	MinPollIntervalSec           = 3
	DefaultSpeedTestIntervalHour = 24
	DefaultSpeedUnits            = "Mbit/s"
	DefaultBaseURL               = "https://googlehomefoyer-pa.googleapis.com/v2"
	DefaultTokenURL              = "https://www.googleapis.com/oauth2/v4/token"
	DefaultDiscoveryPrefix       = "homeassistant"
	DefaultDeviceName            = "meshbridge"
	DefaultListenPort            = 8086
	DefaultDataDir               = "./data"
)

// speedUnits lists the display units accepted for speed and traffic
// sensors.
var speedUnits = []string{"bit/s", "kbit/s", "Mbit/s", "Gbit/s", "B/s", "kB/s", "MB/s", "GB/s"}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/meshbridge/config.yaml, /etc/meshbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/meshbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all meshbridge configuration.
type Config struct {
	Cloud           CloudConfig     `yaml:"cloud"`
	PollIntervalSec int             `yaml:"poll_interval_sec"`
	SpeedTest       SpeedTestConfig `yaml:"speedtest"`
	// SpeedUnits is the display unit for speed and traffic sensors.
	SpeedUnits string `yaml:"speed_units"`
	// AddDisabled registers entities for devices discovered after
	// startup as disabled in Home Assistant.
	AddDisabled bool         `yaml:"add_disabled"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	Listen      ListenConfig `yaml:"listen"`
	DataDir     string       `yaml:"data_dir"`
	LogLevel    string       `yaml:"log_level"`
	LogFormat   string       `yaml:"log_format"` // text (default) or json
}

// CloudConfig defines how to reach and authenticate with the vendor
// cloud API. RefreshToken is the long-lived credential; access tokens
// are minted from it on demand.
type CloudConfig struct {
	RefreshToken string `yaml:"refresh_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	BaseURL      string `yaml:"base_url"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// SpeedTestConfig controls automatic WAN speed tests.
type SpeedTestConfig struct {
	Auto          *bool `yaml:"auto"` // default true
	IntervalHours int   `yaml:"interval_hours"`
}

// Enabled reports whether automatic speed tests should run.
func (s SpeedTestConfig) Enabled() bool {
	return s.Auto == nil || *s.Auto
}

// Interval returns the minimum time between automatic speed tests.
func (s SpeedTestConfig) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}

// MQTTConfig defines the broker connection used for Home Assistant
// MQTT discovery.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// Configured reports whether an MQTT broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// PollInterval returns the coordinator refresh interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.SpeedTest.IntervalHours == 0 {
		c.SpeedTest.IntervalHours = DefaultSpeedTestIntervalHour
	}
	if c.SpeedUnits == "" {
		c.SpeedUnits = DefaultSpeedUnits
	}
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = DefaultBaseURL
	}
	c.Cloud.BaseURL = strings.TrimRight(c.Cloud.BaseURL, "/")
	if c.Cloud.TokenURL == "" {
		c.Cloud.TokenURL = DefaultTokenURL
	}
	if c.Cloud.TimeoutSec == 0 {
		c.Cloud.TimeoutSec = 30
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
}

// Validate checks the configuration for values that would prevent
// startup.
func (c *Config) Validate() error {
	if c.Cloud.RefreshToken == "" {
		return fmt.Errorf("cloud.refresh_token is required")
	}
	if c.PollIntervalSec < MinPollIntervalSec {
		return fmt.Errorf("poll_interval_sec must be at least %d (got %d)", MinPollIntervalSec, c.PollIntervalSec)
	}
	if c.SpeedTest.IntervalHours < 1 {
		return fmt.Errorf("speedtest.interval_hours must be positive (got %d)", c.SpeedTest.IntervalHours)
	}
	if !validSpeedUnit(c.SpeedUnits) {
		return fmt.Errorf("unknown speed_units %q (valid: %s)", c.SpeedUnits, strings.Join(speedUnits, ", "))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

func validSpeedUnit(u string) bool {
	for _, v := range speedUnits {
		if v == u {
			return true
		}
	}
	return false
}
