// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"

	"github.com/bureau-foundation/tcprelay/lib/testutil"
)

type acceptResult struct {
	connection net.Conn
	err        error
}

// scriptedListener returns queued accept results, then blocks until
// closed.
type scriptedListener struct {
	results   chan acceptResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedListener(results ...acceptResult) *scriptedListener {
	queue := make(chan acceptResult, len(results))
	for _, result := range results {
		queue <- result
	}
	return &scriptedListener{results: queue, closed: make(chan struct{})}
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	select {
	case result := <-l.results:
		return result.connection, result.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
}

func TestAcceptLoopRetriesTemporaryErrors(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	scripted := newScriptedListener(
		acceptResult{err: tec.ErrTemporary{Err: errors.New("accept: too many open files")}},
		acceptResult{err: tec.ErrTemporary{Err: errors.New("accept: too many open files")}},
		acceptResult{connection: server},
	)
	l := &listener{rule: Rule{RemotePort: 22, LocalPort: 2222}, listener: scripted}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handoff := make(chan acceptedConnection)
	result := make(chan error, 1)
	go func() { result <- l.acceptLoop(ctx, handoff, discardLogger(), nil) }()

	incoming := testutil.RequireReceive(t, handoff, 5*time.Second, "waiting for the connection after temporary errors")
	if incoming.connection != server || incoming.listener != l {
		t.Errorf("handed off %+v", incoming)
	}

	cancel()
	scripted.Close()
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for accept loop"); err != nil {
		t.Errorf("acceptLoop after close: %v", err)
	}
}

func TestAcceptLoopFailsOnPermanentError(t *testing.T) {
	failure := errors.New("accept: invalid argument")
	l := &listener{
		rule:     Rule{RemotePort: 22, LocalPort: 2222},
		listener: newScriptedListener(acceptResult{err: failure}),
	}

	err := l.acceptLoop(context.Background(), make(chan acceptedConnection), discardLogger(), nil)
	if !errors.Is(err, failure) {
		t.Errorf("acceptLoop = %v, want wrapped %v", err, failure)
	}
}

func TestAcceptLoopClosesConnectionOnShutdown(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	l := &listener{
		rule:     Rule{RemotePort: 22, LocalPort: 2222},
		listener: newScriptedListener(acceptResult{connection: server}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nobody receives from the handoff channel.
	if err := l.acceptLoop(ctx, make(chan acceptedConnection), discardLogger(), nil); err != nil {
		t.Fatalf("acceptLoop: %v", err)
	}
	requireClosedByPeer(t, client)
}

func TestServeStopsOnPermanentAcceptError(t *testing.T) {
	failure := errors.New("accept: invalid argument")
	healthy := newScriptedListener()
	failing := newScriptedListener(acceptResult{err: failure})

	service := &Service{
		config:  Config{Logger: discardLogger()},
		handler: newTestHandler(newFakeDevices()),
		listeners: []*listener{
			{rule: Rule{RemotePort: 22, LocalPort: 22}, listener: healthy},
			{rule: Rule{RemotePort: 80, LocalPort: 8080}, listener: failing},
		},
		dispatcher: newDispatcher(ModeConcurrent),
		logger:     discardLogger(),
	}

	served := make(chan error, 1)
	go func() { served <- service.Serve(context.Background()) }()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "waiting for Serve"); !errors.Is(err, failure) {
		t.Errorf("Serve = %v, want wrapped %v", err, failure)
	}
	testutil.RequireClosed(t, healthy.closed, time.Second, "healthy listener should be closed")
}
