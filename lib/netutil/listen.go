// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenTCP binds a TCP listener on address ("host:port") with
// SO_REUSEADDR set before bind. The Go runtime already sets the option
// on most Unix platforms; setting it here makes the TIME_WAIT rebind
// behavior part of the relay's contract rather than a runtime detail.
func ListenTCP(ctx context.Context, address string) (net.Listener, error) {
	listenConfig := net.ListenConfig{Control: reuseAddress}
	return listenConfig.Listen(ctx, "tcp", address)
}

// reuseAddress is a net.ListenConfig Control hook that enables
// SO_REUSEADDR on the socket before it is bound.
func reuseAddress(network, address string, rawConnection syscall.RawConn) error {
	var sockoptError error
	controlError := rawConnection.Control(func(fd uintptr) {
		sockoptError = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if controlError != nil {
		return fmt.Errorf("accessing socket for %s %s: %w", network, address, controlError)
	}
	if sockoptError != nil {
		return fmt.Errorf("setting SO_REUSEADDR on %s %s: %w", network, address, sockoptError)
	}
	return nil
}
