// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tcprelay/lib/testutil"
)

type runningService struct {
	service *Service
	cancel  context.CancelFunc
	served  <-chan error

	stopOnce sync.Once
	serveErr error
}

// startTestService starts a service on ephemeral loopback ports and
// stops it at cleanup.
func startTestService(t *testing.T, mode Mode, devices DeviceSource, rules ...Rule) *runningService {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	service, err := Start(ctx, Config{
		Rules:       rules,
		BindAddress: "127.0.0.1",
		BufferBytes: 4096,
		Mode:        mode,
		Logger:      discardLogger(),
	}, devices)
	if err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- service.Serve(ctx) }()

	running := &runningService{service: service, cancel: cancel, served: served}
	t.Cleanup(func() {
		if err := running.stop(); err != nil {
			t.Errorf("stopping service: %v", err)
		}
	})
	return running
}

// stop cancels Serve and returns its result.
func (r *runningService) stop() error {
	r.stopOnce.Do(func() {
		r.cancel()
		select {
		case r.serveErr = <-r.served:
		case <-time.After(5 * time.Second):
			r.serveErr = errors.New("Serve did not return after cancellation")
		}
	})
	return r.serveErr
}

func (r *runningService) dial(t *testing.T, index int) net.Conn {
	t.Helper()
	connection, err := net.DialTimeout("tcp", r.service.Addrs()[index].String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dialing forwarding %d: %v", index, err)
	}
	t.Cleanup(func() { connection.Close() })
	return connection
}

// bannerThenEcho announces which device port was opened, then echoes.
func bannerThenEcho(port uint16, connection net.Conn) {
	fmt.Fprintf(connection, "port %d\n", port)
	echo(port, connection)
}

func readBanner(t *testing.T, connection net.Conn) string {
	t.Helper()
	connection.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer connection.SetReadDeadline(time.Time{})
	line, err := bufio.NewReader(connection).ReadString('\n')
	if err != nil {
		t.Fatalf("reading banner: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func TestServiceForwardsEachRuleToItsRemotePort(t *testing.T) {
	devices := newFakeDevices(testDevice)
	devices.serve = bannerThenEcho
	running := startTestService(t, ModeConcurrent, devices,
		Rule{RemotePort: 80},
		Rule{RemotePort: 22},
	)

	for index, want := range []string{"port 80", "port 22"} {
		connection := running.dial(t, index)
		if got := readBanner(t, connection); got != want {
			t.Errorf("forwarding %d banner = %q, want %q", index, got, want)
		}
		if got := exchange(t, connection, "round trip"); got != "round trip" {
			t.Errorf("forwarding %d echo = %q", index, got)
		}
	}
}

func TestServiceStatusReportsBoundPorts(t *testing.T) {
	devices := newFakeDevices(testDevice)
	running := startTestService(t, ModeSerial, devices, Rule{RemotePort: 62078})

	status := running.service.Status()
	if status.Mode != "serial" || status.BindAddress != "127.0.0.1" || status.BufferBytes != 4096 {
		t.Errorf("status = %+v", status)
	}
	if len(status.Forwardings) != 1 {
		t.Fatalf("got %d forwardings", len(status.Forwardings))
	}
	forwarding := status.Forwardings[0]
	_, port, err := net.SplitHostPort(forwarding.Address)
	if err != nil {
		t.Fatalf("address %q: %v", forwarding.Address, err)
	}
	if strconv.Itoa(int(forwarding.Rule.LocalPort)) != port || forwarding.Rule.LocalPort == 0 {
		t.Errorf("rule local port %d does not match bound address %s", forwarding.Rule.LocalPort, forwarding.Address)
	}
	if forwarding.Rule.RemotePort != 62078 {
		t.Errorf("remote port = %d", forwarding.Rule.RemotePort)
	}
}

func TestServiceSerialModeDefersNextConnection(t *testing.T) {
	devices := newFakeDevices(testDevice)
	running := startTestService(t, ModeSerial, devices, Rule{RemotePort: 22}, Rule{RemotePort: 80})

	first := running.dial(t, 0)
	if got := exchange(t, first, "first"); got != "first" {
		t.Fatalf("first echo = %q", got)
	}

	// A connection on another port completes the TCP handshake but is
	// not dispatched while the first relay runs.
	second := running.dial(t, 1)
	time.Sleep(100 * time.Millisecond)
	if ports := devices.connectedPorts(); len(ports) != 1 {
		t.Fatalf("device ports opened during an active serial relay: %v", ports)
	}

	first.Close()
	if got := exchange(t, second, "second"); got != "second" {
		t.Errorf("second echo = %q", got)
	}
	if ports := devices.connectedPorts(); len(ports) != 2 || ports[1] != 80 {
		t.Errorf("connected ports = %v, want [22 80]", ports)
	}
}

func TestServiceConcurrentModeRelaysSimultaneously(t *testing.T) {
	devices := newFakeDevices(testDevice)
	running := startTestService(t, ModeConcurrent, devices, Rule{RemotePort: 22})

	connections := make([]net.Conn, 3)
	for i := range connections {
		connections[i] = running.dial(t, 0)
		message := fmt.Sprintf("client %d", i)
		if got := exchange(t, connections[i], message); got != message {
			t.Fatalf("echo = %q, want %q", got, message)
		}
	}

	// All three relays are open at once.
	for i, connection := range connections {
		message := fmt.Sprintf("again %d", i)
		if got := exchange(t, connection, message); got != message {
			t.Errorf("echo = %q, want %q", got, message)
		}
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return running.service.Status().Forwardings[0].Active == 3
	}, "three active relays")
}

func TestServiceKeepsListeningWithoutDevice(t *testing.T) {
	devices := newFakeDevices()
	running := startTestService(t, ModeSerial, devices, Rule{RemotePort: 22})

	rejected := running.dial(t, 0)
	requireClosedByPeer(t, rejected)
	if ports := devices.connectedPorts(); len(ports) != 0 {
		t.Errorf("opened device ports %v with no device attached", ports)
	}

	devices.set(func(f *fakeDevices) { f.devices = append(f.devices, testDevice) })
	accepted := running.dial(t, 0)
	if got := exchange(t, accepted, "now attached"); got != "now attached" {
		t.Errorf("echo = %q", got)
	}

	forwarding := running.service.Status().Forwardings[0]
	if forwarding.Accepted != 2 || forwarding.Failed != 1 {
		t.Errorf("accepted %d failed %d, want 2 and 1", forwarding.Accepted, forwarding.Failed)
	}
}

func TestServiceShutdownLeavesRelaysRunning(t *testing.T) {
	devices := newFakeDevices(testDevice)
	running := startTestService(t, ModeConcurrent, devices, Rule{RemotePort: 22})
	address := running.service.Addrs()[0].String()

	inFlight := running.dial(t, 0)
	if got := exchange(t, inFlight, "before"); got != "before" {
		t.Fatalf("echo = %q", got)
	}

	if err := running.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if connection, err := net.DialTimeout("tcp", address, time.Second); err == nil {
		connection.Close()
		t.Error("listener still accepting after shutdown")
	}

	if got := exchange(t, inFlight, "after"); got != "after" {
		t.Errorf("in-flight relay echo after shutdown = %q", got)
	}

	drained := make(chan struct{})
	go func() {
		running.service.Wait()
		close(drained)
	}()
	inFlight.Close()
	testutil.RequireClosed(t, drained, 5*time.Second, "Wait should return once the relay ends")
}

func TestStartBindFailureNamesPort(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer occupied.Close()
	port := uint16(occupied.Addr().(*net.TCPAddr).Port)

	_, err = Start(context.Background(), Config{
		Rules:       []Rule{{RemotePort: 80}, {RemotePort: 22, LocalPort: port}},
		BindAddress: "127.0.0.1",
		Logger:      discardLogger(),
	}, newFakeDevices())
	if err == nil {
		t.Fatal("Start succeeded on an occupied port")
	}
	if !strings.Contains(err.Error(), strconv.Itoa(int(port))) {
		t.Errorf("error %q does not name port %d", err, port)
	}
}

func TestStartValidatesConfig(t *testing.T) {
	devices := newFakeDevices()
	tests := []struct {
		name    string
		config  Config
		devices DeviceSource
		want    error
	}{
		{name: "no rules", config: Config{}, devices: devices},
		{name: "no device source", config: Config{Rules: []Rule{{RemotePort: 22, LocalPort: 22}}}},
		{
			name:    "duplicate local port",
			config:  Config{Rules: []Rule{{RemotePort: 22, LocalPort: 2222}, {RemotePort: 23, LocalPort: 2222}}},
			devices: devices,
			want:    ErrDuplicateLocalPort,
		},
		{
			name:    "oversized buffer",
			config:  Config{Rules: []Rule{{RemotePort: 22, LocalPort: 0}}, BufferBytes: MaxBufferBytes + 1},
			devices: devices,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.config.Logger = discardLogger()
			service, err := Start(context.Background(), test.config, test.devices)
			if err == nil {
				service.Close()
				t.Fatal("Start succeeded")
			}
			if test.want != nil && !errors.Is(err, test.want) {
				t.Errorf("error = %v, want %v", err, test.want)
			}
		})
	}
}
