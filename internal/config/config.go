// Package config handles stickybus configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/stickybus/config.yaml,
// /config/config.yaml, /etc/stickybus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stickybus", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/stickybus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists, or an empty string when nothing was found; the daemon
// runs fine on flags and defaults alone.
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

	return "", nil
}

// Config holds all stickybus configuration.
type Config struct {
	// Bind is the WebSocket listen address.
	Bind string `yaml:"bind"`
	// Broker is the MQTT URL of the durable event topic cluster.
	Broker string `yaml:"broker"`
	// Topic is the root topic accepted events are published under.
	Topic string `yaml:"topic"`
	// Group names the shared-subscription group for the loopback
	// consumer.
	Group string `yaml:"group"`
	// DB is the document store path.
	DB string `yaml:"db"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load; callers building a Config from flags
// must call it themselves before Validate.
func (c *Config) ApplyDefaults() {
	if c.Bind == "" {
		c.Bind = "localhost:8081"
	}
	if c.Broker == "" {
		c.Broker = "mqtt://localhost:1883"
	}
	if c.Topic == "" {
		c.Topic = "stickybus/events"
	}
	if c.Group == "" {
		c.Group = "stickybus"
	}
	if c.DB == "" {
		c.DB = "./data/stickybus.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after ApplyDefaults, so it can assume defaults are
// populated. Returns an error describing the first problem found, or
// nil.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return fmt.Errorf("broker URL %q: %w", c.Broker, err)
	}
	switch u.Scheme {
	case "mqtt", "mqtts", "tcp", "ssl":
	default:
		return fmt.Errorf("broker URL %q: unsupported scheme %q", c.Broker, u.Scheme)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Default returns a default configuration suitable for local
// development with a broker and store on localhost. All defaults are
// already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
