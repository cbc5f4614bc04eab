// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/tcprelay/usbmux"
)

var testDevice = usbmux.Device{ID: 3, SerialNumber: "00008030-TEST", ConnectionType: "USB"}

// fakeDevices is a DeviceSource whose device ports are served in
// memory by serve.
type fakeDevices struct {
	mutex       sync.Mutex
	devices     []usbmux.Device
	discoverErr error
	connectErr  error
	discovers   int
	connects    []uint16
	// serve runs on the device side of each opened port. It defaults
	// to echoing.
	serve func(port uint16, connection net.Conn)
}

func newFakeDevices(devices ...usbmux.Device) *fakeDevices {
	return &fakeDevices{devices: devices}
}

func (f *fakeDevices) Discover(ctx context.Context, timeout time.Duration) ([]usbmux.Device, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.discovers++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return append([]usbmux.Device(nil), f.devices...), nil
}

func (f *fakeDevices) Connect(ctx context.Context, device usbmux.Device, port uint16) (net.Conn, error) {
	f.mutex.Lock()
	f.connects = append(f.connects, port)
	connectErr := f.connectErr
	serve := f.serve
	f.mutex.Unlock()

	if connectErr != nil {
		return nil, connectErr
	}
	if serve == nil {
		serve = echo
	}
	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		serve(port, remote)
	}()
	return local, nil
}

func (f *fakeDevices) set(apply func(f *fakeDevices)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	apply(f)
}

func (f *fakeDevices) discoverCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.discovers
}

func (f *fakeDevices) connectedPorts() []uint16 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]uint16(nil), f.connects...)
}

func echo(_ uint16, connection net.Conn) {
	io.Copy(connection, connection)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
