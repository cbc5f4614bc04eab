// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/bureau-foundation/tcprelay/lib/metrics"
	"github.com/bureau-foundation/tcprelay/lib/netutil"
	"github.com/bureau-foundation/tcprelay/usbmux"
)

// DefaultDiscoveryTimeout bounds how long a connection waits for a
// device to attach.
const DefaultDiscoveryTimeout = time.Second

// ErrNoDevice is reported when discovery finds no attached device.
var ErrNoDevice = errors.New("no device attached")

// DeviceSource finds attached devices and opens streams to their ports.
// *usbmux.Mux implements it.
type DeviceSource interface {
	// Discover returns the attached devices, waiting up to timeout for
	// one to appear if none is attached yet.
	Discover(ctx context.Context, timeout time.Duration) ([]usbmux.Device, error)

	// Connect opens a byte stream to port on device.
	Connect(ctx context.Context, device usbmux.Device, port uint16) (net.Conn, error)
}

// DiscoveryPolicy controls when the handler looks for a device.
type DiscoveryPolicy int

const (
	// DiscoverPerConnection runs discovery for every accepted
	// connection, so a replugged or swapped device is picked up
	// immediately.
	DiscoverPerConnection DiscoveryPolicy = iota

	// DiscoverOnce discovers on first use and reuses that device until
	// the daemon reports it gone.
	DiscoverOnce
)

func (p DiscoveryPolicy) String() string {
	if p == DiscoverOnce {
		return "once"
	}
	return "per-connection"
}

// Handler services one accepted connection at a time: it finds a
// device, opens the rule's remote port on it, and relays until either
// side closes. It is safe for concurrent use.
type Handler struct {
	Devices          DeviceSource
	DiscoveryTimeout time.Duration
	DiscoveryPolicy  DiscoveryPolicy
	// BufferBytes is the per-direction relay buffer limit.
	BufferBytes int
	Logger      *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics

	cacheMutex sync.Mutex
	cached     *usbmux.Device
}

// Handle relays accepted to the device port named by rule and closes
// accepted before returning. Failures are logged and counted, never
// returned.
func (h *Handler) Handle(ctx context.Context, accepted net.Conn, rule Rule) {
	h.handle(ctx, accepted, rule)
}

// handle is Handle returning the error that prevented a relay, for the
// service's per-rule counters.
func (h *Handler) handle(ctx context.Context, accepted net.Conn, rule Rule) error {
	defer accepted.Close()

	logger := h.logger().With(
		"connection_id", uuid.NewString(),
		"local_port", rule.LocalPort,
		"remote_port", rule.RemotePort,
	)
	logger.Info("connection accepted", "client", accepted.RemoteAddr().String())

	device, err := h.device(ctx)
	if err != nil {
		reason := metrics.ReasonDiscovery
		if errors.Is(err, ErrNoDevice) {
			reason = metrics.ReasonNoDevice
		}
		h.Metrics.ConnectionFailed(reason)
		logger.Warn("no device available, closing connection", "error", err)
		return err
	}

	deviceConnection, err := h.Devices.Connect(ctx, device, rule.RemotePort)
	if err != nil {
		var connectError *usbmux.ConnectError
		if errors.As(err, &connectError) && connectError.Code == usbmux.ResultBadDevice {
			h.forget(device)
		}
		h.Metrics.ConnectionFailed(metrics.ReasonDeviceConnect)
		logger.Warn("device refused connection, closing connection",
			"device", device.String(),
			"error", err,
		)
		return err
	}
	defer deviceConnection.Close()

	logger.Info("connection established, relaying", "device", device.String())
	h.Metrics.RelayStarted()
	started := time.Now()

	// Endpoint A is the device, B the local client.
	outcome := Run(deviceConnection, accepted, h.bufferBytes())
	h.Metrics.RelayFinished(outcome.BToA, outcome.AToB)

	attributes := []any{
		"device", device.String(),
		"reason", outcome.Reason.String(),
		"closed_by", endpointRole(outcome.ClosedBy),
		"to_device", humanize.Bytes(uint64(outcome.BToA)),
		"from_device", humanize.Bytes(uint64(outcome.AToB)),
		"duration", time.Since(started).Round(time.Millisecond),
	}
	if outcome.Err != nil && !netutil.IsExpectedCloseError(outcome.Err) {
		logger.Warn("connection closed after relay error", append(attributes, "error", outcome.Err)...)
		return nil
	}
	logger.Info("connection closed", attributes...)
	return nil
}

func endpointRole(endpoint Endpoint) string {
	if endpoint == EndpointA {
		return "device"
	}
	return "client"
}

// device returns the device to connect to under the configured policy.
func (h *Handler) device(ctx context.Context) (usbmux.Device, error) {
	if h.DiscoveryPolicy != DiscoverOnce {
		return h.discover(ctx)
	}

	// Concurrent first connections share one discovery.
	h.cacheMutex.Lock()
	defer h.cacheMutex.Unlock()
	if h.cached != nil {
		return *h.cached, nil
	}
	device, err := h.discover(ctx)
	if err != nil {
		return usbmux.Device{}, err
	}
	h.cached = &device
	return device, nil
}

// discover returns the first device found.
func (h *Handler) discover(ctx context.Context) (usbmux.Device, error) {
	devices, err := h.Devices.Discover(ctx, h.discoveryTimeout())
	if err != nil {
		return usbmux.Device{}, fmt.Errorf("discovering devices: %w", err)
	}
	if len(devices) == 0 {
		return usbmux.Device{}, ErrNoDevice
	}
	return devices[0], nil
}

// forget drops device from the cache so the next connection
// rediscovers.
func (h *Handler) forget(device usbmux.Device) {
	h.cacheMutex.Lock()
	defer h.cacheMutex.Unlock()
	if h.cached != nil && h.cached.ID == device.ID {
		h.logger().Info("forgetting cached device", "device", device.String())
		h.cached = nil
	}
}

func (h *Handler) discoveryTimeout() time.Duration {
	if h.DiscoveryTimeout <= 0 {
		return DefaultDiscoveryTimeout
	}
	return h.DiscoveryTimeout
}

func (h *Handler) bufferBytes() int {
	if h.BufferBytes <= 0 {
		return DefaultBufferBytes
	}
	return h.BufferBytes
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
