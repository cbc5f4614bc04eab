// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the environment variable consulted when no
// --config flag is given.
const EnvironmentVariable = "TCPRELAY_CONFIG"

// Config is the file-level configuration. Every field has a flag
// equivalent in cmd/tcprelay; flags that are set explicitly override
// the file.
type Config struct {
	// BindAddress is the local address every forwarding listens on.
	BindAddress string `yaml:"bind_address" json:"bind_address"`

	// BufferSizeKB is the per-direction relay buffer, in KiB.
	BufferSizeKB int `yaml:"buffer_size_kb" json:"buffer_size_kb"`

	// Threaded selects concurrent dispatch (one goroutine per
	// connection). False relays one connection at a time.
	Threaded bool `yaml:"threaded" json:"threaded"`

	// MuxSocket is the usbmuxd address. Empty uses the platform
	// default.
	MuxSocket string `yaml:"mux_socket" json:"mux_socket"`

	// DiscoveryTimeout bounds the wait for a device to attach when
	// none is known at connection time.
	DiscoveryTimeout Duration `yaml:"discovery_timeout" json:"discovery_timeout"`

	// DiscoverOnce caches the first discovered device for the life of
	// the process instead of discovering per connection.
	DiscoverOnce bool `yaml:"discover_once" json:"discover_once"`

	// StatusSocket, when set, is the Unix socket path serving status.
	StatusSocket string `yaml:"status_socket" json:"status_socket"`

	// MetricsListen, when set, is the HTTP address serving Prometheus
	// metrics at /metrics.
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"`

	// Forwardings lists "RemotePort[:LocalPort]" rules. Positional
	// command-line forwardings are appended to these.
	Forwardings []string `yaml:"forwardings" json:"forwardings"`
}

// Duration is a time.Duration written as a Go duration string ("1s",
// "250ms") in both YAML and JSON.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MaxBufferSizeKB bounds buffer_size_kb. Every relay holds two buffers
// of this size per direction.
const MaxBufferSizeKB = 16 * 1024

// Default returns the configuration used when no file is loaded. The
// values match the historical tcprelay defaults: localhost, 128 KiB
// buffers, serial dispatch, one second discovery wait.
func Default() *Config {
	return &Config{
		BindAddress:      "localhost",
		BufferSizeKB:     128,
		DiscoveryTimeout: Duration(time.Second),
	}
}

// Path returns the configuration file path: flagValue if non-empty,
// otherwise $TCPRELAY_CONFIG, otherwise "".
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvironmentVariable)
}

// LoadFile loads configuration from path on top of Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml, .json or .jsonc)", path, filepath.Ext(path))
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges. Forwarding syntax is validated by the
// relay package when the rules are parsed.
func (c *Config) Validate() error {
	var errs []error
	if c.BindAddress == "" {
		errs = append(errs, fmt.Errorf("bind_address is required"))
	}
	if c.BufferSizeKB <= 0 || c.BufferSizeKB > MaxBufferSizeKB {
		errs = append(errs, fmt.Errorf("buffer_size_kb must be between 1 and %d, got %d", MaxBufferSizeKB, c.BufferSizeKB))
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("discovery_timeout must be positive, got %s", time.Duration(c.DiscoveryTimeout)))
	}
	return errors.Join(errs...)
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	c.MuxSocket = expandVars(c.MuxSocket)
	c.StatusSocket = expandVars(c.StatusSocket)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
