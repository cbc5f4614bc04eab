// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usbmux

import "fmt"

// ResultCode is the Number field of a daemon Result reply.
type ResultCode int

const (
	ResultOK                ResultCode = 0
	ResultBadCommand        ResultCode = 1
	ResultBadDevice         ResultCode = 2
	ResultConnectionRefused ResultCode = 3
	ResultBadVersion        ResultCode = 6
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultBadCommand:
		return "bad command"
	case ResultBadDevice:
		return "bad device"
	case ResultConnectionRefused:
		return "connection refused"
	case ResultBadVersion:
		return "bad protocol version"
	default:
		return fmt.Sprintf("result %d", int(c))
	}
}

// ConnectError is returned by Connect when the daemon refuses to open
// the requested device port, or when the daemon itself is unreachable
// (Code is then ResultOK and Err holds the cause).
type ConnectError struct {
	Device Device
	Port   uint16
	Code   ResultCode
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connecting to %s port %d: %v", e.Device, e.Port, e.Err)
	}
	return fmt.Sprintf("connecting to %s port %d: %s", e.Device, e.Port, e.Code)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ResultError reports a non-zero Result reply to a request other than
// Connect.
type ResultError struct {
	Request string
	Code    ResultCode
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("usbmuxd %s: %s", e.Request, e.Code)
}
