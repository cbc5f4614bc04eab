// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.BindAddress != "localhost" {
		t.Errorf("bind_address = %q, want localhost", cfg.BindAddress)
	}
	if cfg.BufferSizeKB != 128 {
		t.Errorf("buffer_size_kb = %d, want 128", cfg.BufferSizeKB)
	}
	if time.Duration(cfg.DiscoveryTimeout) != time.Second {
		t.Errorf("discovery_timeout = %v, want 1s", time.Duration(cfg.DiscoveryTimeout))
	}
	if cfg.Threaded {
		t.Error("threaded should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
bind_address: 0.0.0.0
buffer_size_kb: 64
threaded: true
discovery_timeout: 250ms
discover_once: true
forwardings:
  - "2222:22"
  - "8080"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.BindAddress != "0.0.0.0" || cfg.BufferSizeKB != 64 || !cfg.Threaded || !cfg.DiscoverOnce {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if time.Duration(cfg.DiscoveryTimeout) != 250*time.Millisecond {
		t.Errorf("discovery_timeout = %v", time.Duration(cfg.DiscoveryTimeout))
	}
	if want := []string{"2222:22", "8080"}; !reflect.DeepEqual(cfg.Forwardings, want) {
		t.Errorf("forwardings = %v, want %v", cfg.Forwardings, want)
	}
}

func TestLoadFileJSONCWithComments(t *testing.T) {
	path := writeConfig(t, "relay.jsonc", `{
  // Forward ssh and a debug server.
  "forwardings": ["22", "9000:9001"],
  /* keep the default buffer */
  "threaded": true,
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !cfg.Threaded {
		t.Error("threaded not loaded")
	}
	if cfg.BufferSizeKB != 128 {
		t.Errorf("buffer_size_kb = %d, default should survive", cfg.BufferSizeKB)
	}
	if want := []string{"22", "9000:9001"}; !reflect.DeepEqual(cfg.Forwardings, want) {
		t.Errorf("forwardings = %v, want %v", cfg.Forwardings, want)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	for name, content := range map[string]string{
		"relay.yaml": "forwardngs: [\"22\"]\n",
		"relay.json": `{"forwardngs": ["22"]}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, name, content)); err == nil {
				t.Fatal("expected error for misspelled key")
			}
		})
	}
}

func TestLoadFileRejectsUnsupportedExtension(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "relay.toml", "threaded = true\n"))
	if err == nil || !strings.Contains(err.Error(), "unsupported extension") {
		t.Fatalf("expected unsupported extension error, got %v", err)
	}
}

func TestLoadFileValidates(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "relay.yaml", "buffer_size_kb: 0\ndiscovery_timeout: 0s\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "buffer_size_kb") || !strings.Contains(err.Error(), "discovery_timeout") {
		t.Errorf("error should name both invalid fields: %v", err)
	}
}

func TestValidateBoundsBufferSize(t *testing.T) {
	for _, size := range []int{-1, 0, MaxBufferSizeKB + 1, 1 << 30} {
		cfg := Default()
		cfg.BufferSizeKB = size
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "buffer_size_kb") {
			t.Errorf("buffer_size_kb %d: Validate = %v, want a buffer_size_kb error", size, err)
		}
	}
	cfg := Default()
	cfg.BufferSizeKB = MaxBufferSizeKB
	if err := cfg.Validate(); err != nil {
		t.Errorf("buffer_size_kb at the limit: %v", err)
	}
}

func TestLoadFileEmptyYAMLUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "relay.yml", ""))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("empty file should produce defaults, got %+v", cfg)
	}
}

func TestLoadFileExpandsSocketPaths(t *testing.T) {
	t.Setenv("TCPRELAY_TEST_RUN", "/tmp/relay-run")
	path := writeConfig(t, "relay.yaml", `
status_socket: ${TCPRELAY_TEST_RUN}/status.sock
mux_socket: ${TCPRELAY_TEST_UNSET:-/var/run/usbmuxd}
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.StatusSocket != "/tmp/relay-run/status.sock" {
		t.Errorf("status_socket = %q", cfg.StatusSocket)
	}
	if cfg.MuxSocket != "/var/run/usbmuxd" {
		t.Errorf("mux_socket = %q", cfg.MuxSocket)
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvironmentVariable, "/etc/tcprelay.yaml")
	if got := Path("/tmp/override.yaml"); got != "/tmp/override.yaml" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := Path(""); got != "/etc/tcprelay.yaml" {
		t.Errorf("environment fallback = %q", got)
	}
}
