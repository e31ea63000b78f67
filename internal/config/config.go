package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const (
	DefaultPort             = 3290
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultLogLevel         = "info"

	// ProtocolVersion is exchanged during the handshake.
	ProtocolVersion uint64 = 3
)

// Config holds settings shared by the send and receive commands.
type Config struct {
	Port             int
	DiscoveryTimeout time.Duration
	LogLevel         string
	ProtocolVersion  uint64
}

// Default returns the built-in configuration with environment overrides
// applied. Flags registered by BindFlags override both.
func Default() Config {
	cfg := Config{
		Port:             DefaultPort,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		LogLevel:         DefaultLogLevel,
		ProtocolVersion:  ProtocolVersion,
	}
	cfg.applyEnv(os.Getenv)
	return cfg
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("FLYING_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := getenv("FLYING_DISCOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DiscoveryTimeout = d
		}
	}
	if v := getenv("FLYING_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// BindFlags registers the shared flags on fs, defaulting to the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "TCP port to listen on or connect to")
	fs.DurationVar(&c.DiscoveryTimeout, "discovery-timeout", c.DiscoveryTimeout, "how long to search the local network for peers")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DiscoveryTimeout <= 0 {
		return errors.New("discovery timeout must be positive")
	}
	return nil
}
