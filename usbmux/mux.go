// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usbmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultAddress is the daemon socket on Linux and macOS.
const DefaultAddress = "/var/run/usbmuxd"

// AddressEnvironmentVariable overrides DefaultAddress, using the same
// syntax as libusbmuxd: "UNIX:/path" or "host:port".
const AddressEnvironmentVariable = "USBMUXD_SOCKET_ADDRESS"

// replyTimeout bounds how long a request waits for the daemon's reply.
// The daemon answers locally, so anything slower means it is wedged.
const replyTimeout = 5 * time.Second

// Mux talks to one usbmuxd instance.
type Mux struct {
	// Address is the daemon address: a Unix socket path, "unix:PATH",
	// "tcp:HOST:PORT" or "HOST:PORT". Empty uses $USBMUXD_SOCKET_ADDRESS,
	// then DefaultAddress.
	Address string

	// ProgName is sent to the daemon to identify this client.
	ProgName string

	// Clock drives the discovery wait. Nil uses the wall clock.
	Clock clock.Clock

	// Logger receives debug-level protocol events. Nil uses
	// slog.Default().
	Logger *slog.Logger

	tag atomic.Uint32
}

func (m *Mux) clock() clock.Clock {
	if m.Clock != nil {
		return m.Clock
	}
	return clock.New()
}

func (m *Mux) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Mux) progName() string {
	if m.ProgName != "" {
		return m.ProgName
	}
	return "tcprelay"
}

// ParseAddress splits a daemon address into a network and address for
// net.Dial.
func ParseAddress(address string) (network, dialAddress string) {
	switch {
	case len(address) >= 5 && strings.EqualFold(address[:5], "unix:"):
		return "unix", address[5:]
	case len(address) >= 4 && strings.EqualFold(address[:4], "tcp:"):
		return "tcp", address[4:]
	case strings.HasPrefix(address, "/"), strings.HasPrefix(address, "."):
		return "unix", address
	case strings.Contains(address, ":"):
		return "tcp", address
	default:
		return "unix", address
	}
}

// dial opens a fresh daemon connection.
func (m *Mux) dial(ctx context.Context) (net.Conn, error) {
	address := m.Address
	if address == "" {
		address = os.Getenv(AddressEnvironmentVariable)
	}
	if address == "" {
		address = DefaultAddress
	}
	network, dialAddress := ParseAddress(address)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, dialAddress)
	if err != nil {
		return nil, fmt.Errorf("connecting to usbmuxd at %s: %w", address, err)
	}
	return conn, nil
}

func (m *Mux) newRequest(messageType string) request {
	return request{
		MessageType:         messageType,
		ClientVersionString: clientVersion,
		ProgName:            m.progName(),
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
}

// exchange sends one request and reads one reply into reply.
func (m *Mux) exchange(conn net.Conn, message request, reply *response) error {
	tag := m.tag.Add(1)
	if err := writeFrame(conn, tag, message); err != nil {
		return fmt.Errorf("sending %s: %w", message.MessageType, err)
	}
	conn.SetReadDeadline(time.Now().Add(replyTimeout))
	replyHeader, err := readFrame(conn, reply)
	if err != nil {
		return fmt.Errorf("reading %s reply: %w", message.MessageType, err)
	}
	conn.SetReadDeadline(time.Time{})
	if replyHeader.Tag != tag {
		return fmt.Errorf("%s reply has tag %d, want %d", message.MessageType, replyHeader.Tag, tag)
	}
	return nil
}

// cancelOnDone makes blocking I/O on conn fail once ctx is done. The
// returned stop function reports false if ctx already fired.
func cancelOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
}

// ListDevices returns the devices currently attached.
func (m *Mux) ListDevices(ctx context.Context) ([]Device, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer cancelOnDone(ctx, conn)()

	var reply response
	if err := m.exchange(conn, m.newRequest(messageListDevices), &reply); err != nil {
		return nil, contextError(ctx, err)
	}
	if reply.MessageType == messageResult && reply.Number != 0 {
		return nil, &ResultError{Request: messageListDevices, Code: ResultCode(reply.Number)}
	}

	devices := make([]Device, 0, len(reply.DeviceList))
	for _, entry := range reply.DeviceList {
		devices = append(devices, entry.Properties.device(entry.DeviceID))
	}
	return devices, nil
}

// Discover returns the attached devices. If none are attached it
// subscribes to attach events and waits up to timeout for one; an
// empty result with a nil error means nothing attached in time.
func (m *Mux) Discover(ctx context.Context, timeout time.Duration) ([]Device, error) {
	devices, err := m.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices, nil
	}
	m.logger().Debug("no devices attached, waiting", "timeout", timeout)
	return m.waitForAttach(ctx, timeout)
}

// waitForAttach issues Listen and returns the first attached device,
// or nothing once timeout elapses on the Mux clock.
func (m *Mux) waitForAttach(ctx context.Context, timeout time.Duration) ([]Device, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer cancelOnDone(ctx, conn)()

	// The timer starts before the Listen exchange so the whole wait,
	// handshake included, is bounded by timeout.
	timer := m.clock().Timer(timeout)
	defer timer.Stop()

	var reply response
	if err := m.exchange(conn, m.newRequest(messageListen), &reply); err != nil {
		return nil, contextError(ctx, err)
	}
	if reply.MessageType != messageResult {
		return nil, fmt.Errorf("usbmuxd Listen: unexpected %q reply", reply.MessageType)
	}
	if reply.Number != int(ResultOK) {
		return nil, &ResultError{Request: messageListen, Code: ResultCode(reply.Number)}
	}

	attached := make(chan Device, 1)
	readDone := make(chan error, 1)
	go func() {
		for {
			var event response
			if _, err := readFrame(conn, &event); err != nil {
				readDone <- err
				return
			}
			switch event.MessageType {
			case messageAttached:
				attached <- event.Properties.device(event.DeviceID)
				return
			case messageDetached:
				m.logger().Debug("device detached while waiting", "device_id", event.DeviceID)
			}
		}
	}()

	select {
	case device := <-attached:
		return []Device{device}, nil
	case <-timer.C:
		return nil, nil
	case err := <-readDone:
		return nil, fmt.Errorf("waiting for device attach: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect opens a raw stream to port on device. The returned
// connection belongs to the caller. A refusal by the daemon, or a
// failure to reach the daemon, is returned as *ConnectError.
func (m *Mux) Connect(ctx context.Context, device Device, port uint16) (net.Conn, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, &ConnectError{Device: device, Port: port, Err: err}
	}
	stop := cancelOnDone(ctx, conn)

	message := m.newRequest(messageConnect)
	message.DeviceID = device.ID
	message.PortNumber = networkPort(port)

	var reply response
	if err := m.exchange(conn, message, &reply); err != nil {
		stop()
		conn.Close()
		return nil, &ConnectError{Device: device, Port: port, Err: contextError(ctx, err)}
	}
	if !stop() {
		conn.Close()
		return nil, &ConnectError{Device: device, Port: port, Err: ctx.Err()}
	}
	if reply.MessageType != messageResult {
		conn.Close()
		return nil, &ConnectError{Device: device, Port: port, Err: fmt.Errorf("unexpected %q reply", reply.MessageType)}
	}
	if reply.Number != int(ResultOK) {
		conn.Close()
		return nil, &ConnectError{Device: device, Port: port, Code: ResultCode(reply.Number)}
	}

	m.logger().Debug("device port open", "device_id", device.ID, "port", port)
	return conn, nil
}

// contextError prefers the context's error when ctx caused err.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}
