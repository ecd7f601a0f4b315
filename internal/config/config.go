// Package config handles felnode configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./fel.yaml, ~/.config/fel/fel.yaml, /config/fel.yaml,
// /etc/fel/fel.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"fel.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fel", "fel.yaml"))
	}

	paths = append(paths, "/config/fel.yaml") // Container convention
	paths = append(paths, "/etc/fel/fel.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can substitute a sandboxed
// path list instead of touching the real filesystem locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all felnode runtime configuration.
type Config struct {
	Master    MasterConfig    `yaml:"master"`
	Client    ClientConfig    `yaml:"client"`
	Channel   ChannelConfig   `yaml:"channel"`
	Transport TransportConfig `yaml:"transport"`
	LogLevel  string          `yaml:"log_level"`
}

// MasterConfig locates the master process this runtime registers with.
type MasterConfig struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// DialAddr formats the master's dial address.
func (m MasterConfig) DialAddr() string {
	return fmt.Sprintf("%s:%d", m.Addr, m.Port)
}

// Configured reports whether a master address has been set.
func (m MasterConfig) Configured() bool {
	return m.Addr != "" && m.Port != 0
}

// ClientConfig controls this process's registration with the master.
type ClientConfig struct {
	// NodeName is the default node name used by single-node example
	// entrypoints; multi-node processes pick their own names.
	NodeName string `yaml:"node_name"`
	// HeartBeatIntervalMS is the declared interval between heartbeat
	// pulses, reported to the master during RegisterClient.
	HeartBeatIntervalMS int `yaml:"heartbeat_interval_ms"`
}

// ChannelConfig sets defaults for channels this process opens.
type ChannelConfig struct {
	// MaxFrameBytes bounds the largest payload any channel variant
	// will accept before disconnecting with ERR_CORRUPTED_HEADER.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	// SendBufferBytes / ReceiveBufferBytes set the fixed buffer size
	// used when dynamic buffering is not requested.
	SendBufferBytes    int `yaml:"send_buffer_bytes"`
	ReceiveBufferBytes int `yaml:"receive_buffer_bytes"`
	// SHMDir is the directory shared-memory segments are created
	// under (normally /dev/shm).
	SHMDir string `yaml:"shm_dir"`
}

// TransportConfig selects how the Master Client Stub talks to the
// master: "direct" (framed TCP) or "grpc".
type TransportConfig struct {
	Kind string `yaml:"kind"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${FEL_MASTER_ADDR}). This is
	// a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Master.Addr == "" {
		c.Master.Addr = "127.0.0.1"
	}
	if c.Master.Port == 0 {
		c.Master.Port = 16667
	}
	if c.Client.HeartBeatIntervalMS == 0 {
		c.Client.HeartBeatIntervalMS = 1000
	}
	if c.Channel.MaxFrameBytes == 0 {
		c.Channel.MaxFrameBytes = 1 << 20
	}
	if c.Channel.SendBufferBytes == 0 {
		c.Channel.SendBufferBytes = 64 * 1024
	}
	if c.Channel.ReceiveBufferBytes == 0 {
		c.Channel.ReceiveBufferBytes = 64 * 1024
	}
	if c.Channel.SHMDir == "" {
		c.Channel.SHMDir = "/dev/shm"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "direct"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Master.Port < 1 || c.Master.Port > 65535 {
		return fmt.Errorf("master.port %d out of range (1-65535)", c.Master.Port)
	}
	if c.Client.HeartBeatIntervalMS < 1 {
		return fmt.Errorf("client.heartbeat_interval_ms must be positive, got %d", c.Client.HeartBeatIntervalMS)
	}
	switch c.Transport.Kind {
	case "direct", "grpc":
	default:
		return fmt.Errorf("transport.kind %q must be one of: direct, grpc", c.Transport.Kind)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration pointing at a master on
// localhost. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
