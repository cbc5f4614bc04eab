// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tcprelay/lib/config"
	"github.com/bureau-foundation/tcprelay/relay"
)

// usageError is a command-line mistake. run prints usage before
// returning it, and the process exits with status 1.
type usageError struct {
	err error
}

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }
func (e *usageError) ExitCode() int { return 1 }

// options holds the parsed command line.
type options struct {
	configPath       string
	threaded         bool
	bindAddress      string
	bufferSizeKB     int
	muxSocket        string
	discoveryTimeout time.Duration
	discoverOnce     bool
	statusSocket     string
	metricsListen    string
	logFormat        string
	verbose          bool
	showVersion      bool
	showHelp         bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	defaults := config.Default()
	flagSet := pflag.NewFlagSet("tcprelay", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SortFlags = false

	flagSet.BoolVarP(&opts.threaded, "threaded", "t", defaults.Threaded, "use threading to handle multiple connections at once")
	flagSet.StringVarP(&opts.bindAddress, "ipaddr", "i", defaults.BindAddress, "local IP address to bind TCP sockets to")
	flagSet.IntVarP(&opts.bufferSizeKB, "bufsize", "b", defaults.BufferSizeKB, "per-direction buffer size in kilobytes")
	flagSet.StringVarP(&opts.muxSocket, "socket", "s", "", "usbmuxd socket address (default $USBMUXD_SOCKET_ADDRESS or /var/run/usbmuxd)")
	flagSet.DurationVar(&opts.discoveryTimeout, "discovery-timeout", time.Duration(defaults.DiscoveryTimeout), "how long a connection waits for a device to attach")
	flagSet.BoolVar(&opts.discoverOnce, "discover-once", defaults.DiscoverOnce, "reuse the first discovered device until it disappears")
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML or JSONC config file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&opts.statusSocket, "status-socket", "", "serve status requests on this Unix socket")
	flagSet.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics over HTTP on this address")
	flagSet.StringVar(&opts.logFormat, "log-format", "auto", "log format: auto, text or json")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&opts.showHelp, "help", "h", false, "show help")
	return flagSet
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `tcprelay - forward local TCP ports to a usbmuxd device

USAGE
    tcprelay [flags] RemotePort[:LocalPort] [RemotePort[:LocalPort]]...
    tcprelay status --status-socket PATH [--json]

EXAMPLES
    # Forward local 2222 to the device's SSH port
    tcprelay 22:2222

    # Several forwardings, relayed concurrently, on every interface
    tcprelay --threaded --ipaddr 0.0.0.0 22:2222 8080

FLAGS
%s`, flagSet.FlagUsages())
}

// settings merges the config file, flags, and positional forwardings.
// Flags override file values only when given explicitly; positional
// forwardings are appended to the file's.
func settings(flagSet *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if path := config.Path(opts.configPath); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flagSet.Changed("threaded") {
		cfg.Threaded = opts.threaded
	}
	if flagSet.Changed("ipaddr") {
		cfg.BindAddress = opts.bindAddress
	}
	if flagSet.Changed("bufsize") {
		cfg.BufferSizeKB = opts.bufferSizeKB
	}
	if flagSet.Changed("socket") {
		cfg.MuxSocket = opts.muxSocket
	}
	if flagSet.Changed("discovery-timeout") {
		cfg.DiscoveryTimeout = config.Duration(opts.discoveryTimeout)
	}
	if flagSet.Changed("discover-once") {
		cfg.DiscoverOnce = opts.discoverOnce
	}
	if flagSet.Changed("status-socket") {
		cfg.StatusSocket = opts.statusSocket
	}
	if flagSet.Changed("metrics-listen") {
		cfg.MetricsListen = opts.metricsListen
	}
	cfg.Forwardings = append(cfg.Forwardings, flagSet.Args()...)

	if err := cfg.Validate(); err != nil {
		return nil, &usageError{err: err}
	}
	return cfg, nil
}

// relayConfig converts merged settings into the relay service
// configuration. Malformed or duplicate forwardings are usage errors.
func relayConfig(cfg *config.Config) (relay.Config, error) {
	if len(cfg.Forwardings) == 0 {
		return relay.Config{}, usageErrorf("at least one RemotePort[:LocalPort] forwarding is required")
	}
	rules, err := relay.ParseRules(cfg.Forwardings)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidRule) || errors.Is(err, relay.ErrDuplicateLocalPort) {
			return relay.Config{}, &usageError{err: err}
		}
		return relay.Config{}, err
	}

	mode := relay.ModeSerial
	if cfg.Threaded {
		mode = relay.ModeConcurrent
	}
	policy := relay.DiscoverPerConnection
	if cfg.DiscoverOnce {
		policy = relay.DiscoverOnce
	}
	return relay.Config{
		Rules:            rules,
		BindAddress:      cfg.BindAddress,
		BufferBytes:      cfg.BufferSizeKB * 1024,
		Mode:             mode,
		DiscoveryTimeout: time.Duration(cfg.DiscoveryTimeout),
		DiscoveryPolicy:  policy,
	}, nil
}
