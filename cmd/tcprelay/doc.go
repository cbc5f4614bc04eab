// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tcprelay forwards local TCP ports to ports on a device attached
// through usbmuxd.
//
// Each forwarding is written RemotePort[:LocalPort]. A bare remote port
// listens on the same local port:
//
//	tcprelay 22:2222 8080
//
// By default connections are relayed one at a time; --threaded relays
// them concurrently. Settings may also come from a YAML or JSONC file
// named by --config or $TCPRELAY_CONFIG, with flags taking precedence.
//
// With --status-socket the running relay answers "status" requests on
// a Unix socket, which "tcprelay status" queries:
//
//	tcprelay status --status-socket /run/tcprelay.sock
package main
