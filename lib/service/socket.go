// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"

	"github.com/bureau-foundation/tcprelay/lib/codec"
)

// Request is the wire form of a socket request.
type Request struct {
	Action string `cbor:"action"`
}

// ActionFunc answers one request. A non-nil result is CBOR-encoded
// into the response's data field; an error becomes {ok: false}.
type ActionFunc func(ctx context.Context, request Request) (any, error)

// Response is the wire-format envelope for all socket responses.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves a CBOR request-response protocol on a Unix
// socket. Actions are registered with Handle before calling Serve.
// Unknown actions receive an error response.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// ready is closed once the socket is listening.
	ready     chan struct{}
	readyOnce sync.Once

	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready returns a channel that is closed once Serve is listening.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve accepts connections on the Unix socket and dispatches requests
// to registered handlers. Blocks until ctx is cancelled or Accept fails
// permanently, then stops accepting and waits for active handlers to
// complete.
//
// A stale socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting permissions on %s: %w", s.socketPath, err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("status socket listening", "path", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	err = s.acceptLoop(ctx, listener)
	s.activeConnections.Wait()
	return err
}

// acceptLoop serves each accepted connection on its own goroutine until
// ctx is cancelled or the listener is closed. Temporary accept failures
// are retried with backoff; any other failure is returned.
func (s *SocketServer) acceptLoop(ctx context.Context, listener net.Listener) error {
	var catcher tec.TempErrCatcher
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if catcher.IsTemporary(err) {
				s.logger.Warn("status socket accept failed, retrying", "error", err)
				continue
			}
			return fmt.Errorf("accepting on %s: %w", s.socketPath, err)
		}
		catcher.Reset()

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.serveConnection(ctx, conn)
		}()
	}
}

// readTimeout bounds how long the server waits for a request after a
// client connects.
const readTimeout = 10 * time.Second

// writeTimeout bounds writing the response.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. Status
// requests carry nothing but an action name.
const maxRequestSize = 64 * 1024

// serveConnection reads one request, answers it, and closes conn.
func (s *SocketServer) serveConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var request Request
	err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&request)
	if errors.Is(err, io.EOF) {
		return
	}

	var response Response
	if err != nil {
		response = failure("invalid request: %v", err)
	} else {
		response = s.answer(ctx, request)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing status response failed", "action", request.Action, "error", err)
	}
}

// answer routes request to its action and wraps the result.
func (s *SocketServer) answer(ctx context.Context, request Request) Response {
	if request.Action == "" {
		return failure("missing required field: action")
	}
	action, exists := s.handlers[request.Action]
	if !exists {
		return failure("unknown action %q", request.Action)
	}

	result, err := action(ctx, request)
	if err != nil {
		s.logger.Debug("status action failed", "action", request.Action, "error", err)
		return failure("%v", err)
	}
	if result == nil {
		return Response{OK: true}
	}
	data, err := codec.Marshal(result)
	if err != nil {
		return failure("encoding %s result: %v", request.Action, err)
	}
	return Response{OK: true, Data: data}
}

func failure(format string, args ...any) Response {
	return Response{Error: fmt.Sprintf(format, args...)}
}
