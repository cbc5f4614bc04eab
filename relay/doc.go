// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay forwards local TCP connections to ports on a device
// attached through usbmuxd.
//
// A [Service] binds one listener per [Rule]. Each accepted connection
// goes to a [Handler], which discovers a device through a
// [DeviceSource], opens the rule's remote port on it, and relays bytes
// in both directions with [Run] until either side closes.
//
// [Run] bounds the data held in each direction. When a destination
// stops reading, its buffer fills and the relay stops reading from the
// source, so back-pressure reaches the sender instead of growing
// memory.
//
// The service dispatches connections serially ([ModeSerial], one relay
// at a time) or concurrently ([ModeConcurrent], one goroutine per
// connection). A connection that finds no device, or whose port the
// device refuses, is closed and logged; the listener keeps accepting.
package relay
