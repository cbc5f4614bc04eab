// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the relay's local control socket.
//
// [SocketServer] serves a CBOR request-response protocol on a Unix
// socket: one request per connection, routed by its "action" field to
// a registered [ActionFunc]. Every response uses the [Response]
// envelope {ok, error, data}.
//
// [Call] is the matching client. "tcprelay status" uses it to fetch a
// snapshot of a running relay's forwardings and counters.
//
// There is no authentication on the socket. Access is controlled by the
// socket file's permissions, which the server sets to 0600.
package service
