// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/tcprelay/lib/codec"
)

// dialTimeout covers only the connect phase of a Call.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long Call waits for the response after
// writing the request.
const responseReadTimeout = 20 * time.Second

// maxResponseSize bounds a single CBOR response.
const maxResponseSize = 1024 * 1024

// ServiceError is returned by Call when the server responds with
// ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("status socket error on %q: %s", e.Action, e.Message)
}

// Call sends {action: action} to the socket at socketPath and decodes
// the response data into result (which may be nil). A server-side
// failure is returned as *ServiceError; connection and encoding errors
// are returned as plain errors.
func Call(ctx context.Context, socketPath, action string, result any) error {
	response, err := send(ctx, socketPath, Request{Action: action})
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// CallRaw is Call without decoding: it returns the raw CBOR data field.
func CallRaw(ctx context.Context, socketPath, action string) ([]byte, error) {
	response, err := send(ctx, socketPath, Request{Action: action})
	if err != nil {
		return nil, fmt.Errorf("calling %q on %s: %w", action, socketPath, err)
	}
	if !response.OK {
		return nil, &ServiceError{Action: action, Message: response.Error}
	}
	return response.Data, nil
}

// send connects, writes the request, and reads one response.
func send(ctx context.Context, socketPath string, request Request) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
