// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides socket helpers shared by the relay and its
// supporting servers.
//
// [ListenTCP] binds a TCP listener with SO_REUSEADDR set explicitly, so
// that restarting the relay can rebind a forwarded port whose previous
// connections are still in TIME_WAIT.
//
// [IsExpectedCloseError] classifies errors that occur during normal
// connection teardown (EOF, closed connection, reset, broken pipe). The
// relay logs these at debug level and everything else at warn.
package netutil
