// Package broker assembles the codec, topic index, QoS tracker, session
// store, auth store, and router into a running MQTT 3.1.1 server: the
// Acceptor and Connection pieces of the design that own the actual TCP
// sockets and drive each client through the CONNECT handshake, keepalive,
// and read/write loops described in the connection state machine.
package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls the timeouts and defaults a Server applies to every
// accepted connection.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:1883".
	Addr string

	// ConnectTimeout bounds how long a socket may sit in AwaitingConnect
	// before being closed without a CONNACK.
	ConnectTimeout time.Duration

	// DefaultKeepAlive is used when a CONNECT carries keep_alive=0.
	DefaultKeepAlive time.Duration

	// WriteStallTimeout bounds how long a single write may block before
	// the connection is considered dead.
	WriteStallTimeout time.Duration

	// ShutdownGrace bounds how long Shutdown waits for in-flight writes
	// to flush before forcing every connection closed.
	ShutdownGrace time.Duration

	// MaxReadBuffer bounds the per-connection growable read buffer, a
	// coarse defense against a peer that never completes a frame.
	MaxReadBuffer int

	// OutboxSize is the capacity of each connection's private outbound
	// channel; the concurrency model requires it be at least 64.
	OutboxSize int

	// AllowAnonymous permits a CONNECT with no username. The spec default
	// is to deny anonymous connections.
	AllowAnonymous bool
}

// DefaultConfig returns the broker's default timeouts, matching §5 of the
// design: 10s to complete CONNECT, 60s assumed keep-alive, 30s write
// stall, 5s graceful shutdown grace per connection.
func DefaultConfig() Config {
	return Config{
		Addr:              "0.0.0.0:1883",
		ConnectTimeout:    10 * time.Second,
		DefaultKeepAlive:  60 * time.Second,
		WriteStallTimeout: 30 * time.Second,
		ShutdownGrace:     5 * time.Second,
		MaxReadBuffer:     1 << 20,
		OutboxSize:        64,
		AllowAnonymous:    false,
	}
}

// duration parses config-file values like "10s" or "1m30s"; yaml.v3 has no
// built-in handling for time.Duration.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("broker: invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// FileConfig is the on-disk YAML shape for broker settings, letting an
// operator ship a config file instead of (or alongside) flags. Any field
// left at its zero value falls back to DefaultConfig().
type FileConfig struct {
	Addr              string   `yaml:"addr"`
	ConnectTimeout    duration `yaml:"connect_timeout"`
	DefaultKeepAlive  duration `yaml:"default_keep_alive"`
	WriteStallTimeout duration `yaml:"write_stall_timeout"`
	ShutdownGrace     duration `yaml:"shutdown_grace"`
	MaxReadBuffer     int      `yaml:"max_read_buffer"`
	OutboxSize        int      `yaml:"outbox_size"`
	AllowAnonymous    bool     `yaml:"allow_anonymous"`
}

// LoadConfigFile reads a YAML file at path and merges it onto
// DefaultConfig(), so a file only needs to set the fields it wants to
// override.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("broker: reading config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("broker: parsing config file: %w", err)
	}

	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.ConnectTimeout != 0 {
		cfg.ConnectTimeout = time.Duration(fc.ConnectTimeout)
	}
	if fc.DefaultKeepAlive != 0 {
		cfg.DefaultKeepAlive = time.Duration(fc.DefaultKeepAlive)
	}
	if fc.WriteStallTimeout != 0 {
		cfg.WriteStallTimeout = time.Duration(fc.WriteStallTimeout)
	}
	if fc.ShutdownGrace != 0 {
		cfg.ShutdownGrace = time.Duration(fc.ShutdownGrace)
	}
	if fc.MaxReadBuffer != 0 {
		cfg.MaxReadBuffer = fc.MaxReadBuffer
	}
	if fc.OutboxSize != 0 {
		cfg.OutboxSize = fc.OutboxSize
	}
	cfg.AllowAnonymous = fc.AllowAnonymous

	return cfg, nil
}
