// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package usbmux is a client for usbmuxd, the daemon that multiplexes
// TCP-like streams to USB-attached devices.
//
// The daemon listens on a Unix socket (/var/run/usbmuxd) or, on
// platforms without one, a TCP port. Every exchange is a frame with a
// 16-byte little-endian header (length, version, message type, tag)
// followed by an XML property list. Three requests are used:
//
//   - ListDevices returns the currently attached devices.
//   - Listen subscribes the connection to Attached/Detached events.
//   - Connect asks the daemon to open a device port. On success the
//     daemon stops framing and the socket becomes a raw byte stream to
//     that port.
//
// [Mux] wraps these as the two operations the relay needs:
// [Mux.Discover] (list, then wait a bounded time for an attach if the
// list is empty) and [Mux.Connect]. Each call uses a fresh daemon
// connection, so a Mux is safe for concurrent use and holds no state
// between calls.
//
// Connect failures are returned as *[ConnectError] carrying the
// daemon's [ResultCode].
package usbmux
