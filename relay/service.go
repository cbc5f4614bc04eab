// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tcprelay/lib/metrics"
	"github.com/bureau-foundation/tcprelay/lib/netutil"
)

// Config describes a relay service. It is built once at startup and
// never changes.
type Config struct {
	// Rules lists the forwardings to serve. A LocalPort of 0 binds an
	// ephemeral port; Status reports the port actually bound.
	Rules []Rule

	// BindAddress is the local interface to listen on, such as
	// "localhost" or "0.0.0.0".
	BindAddress string

	// BufferBytes is the per-direction relay buffer limit.
	BufferBytes int

	Mode             Mode
	DiscoveryTimeout time.Duration
	DiscoveryPolicy  DiscoveryPolicy

	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Status is a point-in-time view of a running service.
type Status struct {
	Mode            string             `json:"mode"`
	DiscoveryPolicy string             `json:"discovery_policy"`
	BindAddress     string             `json:"bind_address"`
	BufferBytes     int                `json:"buffer_bytes"`
	Forwardings     []ForwardingStatus `json:"forwardings"`
}

// ForwardingStatus reports one rule's listener and counters.
type ForwardingStatus struct {
	Rule Rule `json:"rule"`
	// Address is the bound listen address.
	Address string `json:"address"`
	// Accepted counts connections handed to the handler.
	Accepted uint64 `json:"accepted"`
	// Active counts connections currently being handled.
	Active int64 `json:"active"`
	// Failed counts connections closed without a relay because no
	// device was found or the device refused the port.
	Failed uint64 `json:"failed"`
}

// Service listens on every rule's local port and relays each accepted
// connection to the device.
//
// Lifecycle: Start binds every listener, Serve accepts and dispatches
// until its context is cancelled, and Wait blocks until relays still in
// flight have finished.
type Service struct {
	config     Config
	handler    *Handler
	listeners  []*listener
	dispatcher dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
}

// Start validates config and binds one listener per rule. If any bind
// fails, the listeners already bound are closed and the error names the
// port. No connection is accepted until Serve is called.
func Start(ctx context.Context, config Config, devices DeviceSource) (*Service, error) {
	if devices == nil {
		return nil, errors.New("relay: device source is required")
	}
	if len(config.Rules) == 0 {
		return nil, errors.New("relay: at least one forwarding rule is required")
	}
	if err := checkDuplicateLocalPorts(config.Rules); err != nil {
		return nil, err
	}
	if config.BufferBytes > MaxBufferBytes {
		return nil, fmt.Errorf("relay: buffer of %d bytes exceeds the %d byte limit", config.BufferBytes, MaxBufferBytes)
	}
	if config.BufferBytes <= 0 {
		config.BufferBytes = DefaultBufferBytes
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	service := &Service{
		config: config,
		handler: &Handler{
			Devices:          devices,
			DiscoveryTimeout: config.DiscoveryTimeout,
			DiscoveryPolicy:  config.DiscoveryPolicy,
			BufferBytes:      config.BufferBytes,
			Logger:           config.Logger,
			Metrics:          config.Metrics,
		},
		dispatcher: newDispatcher(config.Mode),
		logger:     config.Logger,
	}

	for _, rule := range config.Rules {
		address := net.JoinHostPort(config.BindAddress, strconv.Itoa(int(rule.LocalPort)))
		bound, err := netutil.ListenTCP(ctx, address)
		if err != nil {
			service.closeListeners()
			return nil, fmt.Errorf("binding local port %d for forwarding %s: %w", rule.LocalPort, rule, err)
		}
		if rule.LocalPort == 0 {
			if tcpAddress, ok := bound.Addr().(*net.TCPAddr); ok {
				rule.LocalPort = uint16(tcpAddress.Port)
			}
		}
		service.listeners = append(service.listeners, &listener{rule: rule, listener: bound})
		config.Logger.Info("listening",
			"local_address", bound.Addr().String(),
			"remote_port", rule.RemotePort,
		)
	}
	return service, nil
}

// Serve accepts connections on every listener and dispatches them to
// the handler until ctx is cancelled, then closes the listeners and
// returns nil. A non-temporary accept failure on any listener stops
// the service and is returned.
//
// In ModeSerial a relay in progress delays Serve's return until it
// ends. In ModeConcurrent relays still running when Serve returns are
// left to finish; use Wait to block until they have.
func (s *Service) Serve(ctx context.Context) error {
	group, groupContext := errgroup.WithContext(ctx)
	handoff := make(chan acceptedConnection)

	for _, l := range s.listeners {
		group.Go(func() error {
			return l.acceptLoop(groupContext, handoff, s.logger, s.config.Metrics)
		})
	}
	// Closing the listeners unblocks every Accept.
	group.Go(func() error {
		<-groupContext.Done()
		s.closeListeners()
		return nil
	})

	// Relays outlive shutdown, so handlers must not see the
	// cancellation.
	handlerContext := context.WithoutCancel(ctx)
dispatchLoop:
	for {
		select {
		case incoming := <-handoff:
			s.dispatch(handlerContext, incoming)
		case <-groupContext.Done():
			break dispatchLoop
		}
	}

	err := group.Wait()
	if err != nil {
		s.logger.Error("accept loop failed, stopping", "error", err)
		return err
	}
	s.logger.Info("stopped accepting connections")
	return nil
}

// dispatch counts an accepted connection and hands it to the handler
// according to the service's mode.
func (s *Service) dispatch(ctx context.Context, incoming acceptedConnection) {
	l := incoming.listener
	l.accepted.Add(1)
	s.config.Metrics.ConnectionAccepted(l.rule.LocalPort)

	s.dispatcher.dispatch(func() {
		l.active.Add(1)
		defer l.active.Add(-1)
		if err := s.handler.handle(ctx, incoming.connection, l.rule); err != nil {
			l.failed.Add(1)
		}
	})
}

// Wait blocks until every dispatched connection has been handled.
func (s *Service) Wait() {
	s.dispatcher.wait()
}

// Close closes every listener. Serve closes them itself on return;
// Close is for a service that was started but never served.
func (s *Service) Close() {
	s.closeListeners()
}

func (s *Service) closeListeners() {
	s.closeOnce.Do(func() {
		for _, l := range s.listeners {
			l.listener.Close()
		}
	})
}

// Addrs returns the bound address of each listener, in rule order.
func (s *Service) Addrs() []net.Addr {
	addresses := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		addresses[i] = l.listener.Addr()
	}
	return addresses
}

// Status returns the service's configuration and per-rule counters.
func (s *Service) Status() Status {
	status := Status{
		Mode:            s.config.Mode.String(),
		DiscoveryPolicy: s.config.DiscoveryPolicy.String(),
		BindAddress:     s.config.BindAddress,
		BufferBytes:     s.config.BufferBytes,
		Forwardings:     make([]ForwardingStatus, len(s.listeners)),
	}
	for i, l := range s.listeners {
		status.Forwardings[i] = l.status()
	}
	return status
}
