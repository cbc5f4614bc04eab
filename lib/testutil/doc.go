// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tcprelay packages.
//
// [SocketDir] creates a short temporary directory under /tmp for Unix
// domain sockets, whose paths are limited to 108 bytes (sun_path) and
// so cannot live under deeply nested t.TempDir() paths.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve that keeps a broken relay test from hanging the whole
// suite. [Eventually] polls a condition for state that is observable
// only indirectly, such as a counter updated by a relay goroutine.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
