// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tcprelay/lib/config"
	"github.com/bureau-foundation/tcprelay/lib/metrics"
	"github.com/bureau-foundation/tcprelay/lib/process"
	"github.com/bureau-foundation/tcprelay/lib/service"
	"github.com/bureau-foundation/tcprelay/lib/version"
	"github.com/bureau-foundation/tcprelay/relay"
	"github.com/bureau-foundation/tcprelay/usbmux"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	// After the first signal the default disposition is restored, so a
	// second interrupt kills the process while relays drain.
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && args[0] == "status" {
		return runStatus(ctx, args[1:], stdout, stderr)
	}

	var opts options
	flagSet := newFlagSet(&opts)
	if err := flagSet.Parse(args); err != nil {
		printUsage(stderr, flagSet)
		return &usageError{err: err}
	}
	if opts.showHelp {
		printUsage(stdout, flagSet)
		return nil
	}
	if opts.showVersion {
		version.Print(stdout, "tcprelay")
		return nil
	}

	cfg, relayCfg, err := resolve(flagSet, &opts)
	if err != nil {
		var usage *usageError
		if errors.As(err, &usage) {
			printUsage(stderr, flagSet)
		}
		return err
	}

	logger, err := newLogger(opts.logFormat, opts.verbose, stderr)
	if err != nil {
		printUsage(stderr, flagSet)
		return err
	}
	slog.SetDefault(logger)
	relayCfg.Logger = logger

	return serve(ctx, cfg, relayCfg, logger)
}

// resolve produces the merged settings and the relay configuration.
// Nothing is bound yet, so every error here leaves no listener behind.
func resolve(flagSet *pflag.FlagSet, opts *options) (*config.Config, relay.Config, error) {
	cfg, err := settings(flagSet, opts)
	if err != nil {
		return nil, relay.Config{}, err
	}
	relayCfg, err := relayConfig(cfg)
	if err != nil {
		return nil, relay.Config{}, err
	}
	return cfg, relayCfg, nil
}

// serve binds every forwarding and runs until ctx is cancelled or an
// accept loop fails, then waits for in-flight relays to finish.
func serve(ctx context.Context, cfg *config.Config, relayCfg relay.Config, logger *slog.Logger) error {
	var relayMetrics *metrics.Metrics
	if cfg.MetricsListen != "" {
		relayMetrics = metrics.New()
	}
	relayCfg.Metrics = relayMetrics

	mux := &usbmux.Mux{
		Address: cfg.MuxSocket,
		Logger:  logger.With("component", "usbmux"),
	}
	relayService, err := relay.Start(ctx, relayCfg, mux)
	if err != nil {
		return err
	}

	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			relayService.Close()
			return fmt.Errorf("listening for metrics on %s: %w", cfg.MetricsListen, err)
		}
	}

	logger.Info("tcprelay started",
		"version", version.Info(),
		"forwardings", len(relayCfg.Rules),
		"mode", relayCfg.Mode.String(),
		"bind_address", relayCfg.BindAddress,
		"buffer_size", humanize.IBytes(uint64(relayCfg.BufferBytes)),
		"discovery_timeout", relayCfg.DiscoveryTimeout,
		"discovery_policy", relayCfg.DiscoveryPolicy.String(),
	)

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return relayService.Serve(groupContext)
	})
	if cfg.StatusSocket != "" {
		statusServer := service.NewSocketServer(cfg.StatusSocket, logger.With("component", "status"))
		statusServer.Handle("status", func(context.Context, service.Request) (any, error) {
			return relayService.Status(), nil
		})
		group.Go(func() error {
			return statusServer.Serve(groupContext)
		})
	}
	if metricsListener != nil {
		group.Go(func() error {
			return serveMetrics(groupContext, metricsListener, relayMetrics, logger)
		})
	}

	err = group.Wait()
	logger.Info("shutting down, waiting for active relays to finish")
	relayService.Wait()
	return err
}

// serveMetrics serves /metrics on listener until ctx is cancelled.
func serveMetrics(ctx context.Context, listener net.Listener, relayMetrics *metrics.Metrics, logger *slog.Logger) error {
	handler := http.NewServeMux()
	handler.Handle("/metrics", relayMetrics.Handler())
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownContext)
	}()

	logger.Info("serving metrics", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
