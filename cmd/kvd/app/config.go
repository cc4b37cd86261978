// Package app wires the config, logger, metrics and event loop into a
// single runnable service: a Config struct with registered flags/YAML
// tags, and an App that turns a loaded Config into a dskit
// services.Service.
package app

import (
	"flag"
	"time"

	"github.com/tempo-kv/kvd/internal/wire"
)

// Config is the root config for kvd: flags registered with defaults,
// then optionally overlaid by a YAML config file.
type Config struct {
	Bind             string        `yaml:"bind"`
	Port             int           `yaml:"port"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxMessageBytes  int           `yaml:"max_message_bytes"`
	MaxOutgoingBytes int           `yaml:"max_outgoing_bytes"`
	LogLevel         string        `yaml:"log_level"`
}

// RegisterFlagsAndApplyDefaults registers cfg's flags under prefix
// (typically "") and sets the field defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Bind, prefix+"bind", "0.0.0.0", "Address to bind the TCP listener to.")
	f.IntVar(&c.Port, prefix+"port", 1234, "Port to listen on.")
	f.DurationVar(&c.IdleTimeout, prefix+"idle-timeout", 5*time.Second, "Idle duration after which a connection with no activity is closed.")
	f.IntVar(&c.MaxMessageBytes, prefix+"max-message-bytes", 4096, "Expected maximum size, in bytes, of a single request or response. The wire protocol's ceiling is fixed at 4096; any other value only produces a configuration warning.")
	f.IntVar(&c.MaxOutgoingBytes, prefix+"max-outgoing-bytes", 16<<20, "Maximum size, in bytes, a connection's outgoing buffer may grow to before it is closed.")
	f.StringVar(&c.LogLevel, prefix+"log.level", "info", "Only log messages with this severity or above (debug, info, warn, error).")
}

// CheckConfig returns human-readable warnings about suspect
// configuration values; it never fails the config outright.
func (c *Config) CheckConfig() []string {
	var warnings []string
	if c.IdleTimeout <= 0 {
		warnings = append(warnings, "idle_timeout is zero or negative; connections will never be evicted for inactivity")
	}
	if c.MaxMessageBytes <= 0 {
		warnings = append(warnings, "max_message_bytes is zero or negative; it has no effect, the wire protocol's fixed frame ceiling still applies")
	} else if c.MaxMessageBytes != wire.MaxMsg {
		warnings = append(warnings, "max_message_bytes differs from the wire protocol's fixed frame ceiling and has no effect; it is surfaced for visibility only")
	}
	return warnings
}
