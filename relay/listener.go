// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	tec "github.com/jbenet/go-temp-err-catcher"

	"github.com/bureau-foundation/tcprelay/lib/metrics"
)

// listener owns the socket bound for one rule and its counters.
type listener struct {
	rule     Rule
	listener net.Listener

	accepted atomic.Uint64
	active   atomic.Int64
	failed   atomic.Uint64
}

// acceptedConnection is handed from an accept loop to the dispatch
// loop.
type acceptedConnection struct {
	listener   *listener
	connection net.Conn
}

// acceptLoop accepts connections and hands them to the dispatch loop
// until ctx is cancelled or the listener is closed. Temporary accept
// failures (such as running out of file descriptors) are retried with
// backoff. Any other accept failure is returned.
func (l *listener) acceptLoop(ctx context.Context, handoff chan<- acceptedConnection, logger *slog.Logger, relayMetrics *metrics.Metrics) error {
	var catcher tec.TempErrCatcher
	for {
		connection, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if catcher.IsTemporary(err) {
				relayMetrics.ConnectionFailed(metrics.ReasonAccept)
				logger.Warn("temporary accept error, retrying",
					"local_port", l.rule.LocalPort,
					"error", err,
				)
				continue
			}
			return fmt.Errorf("accepting on %s for forwarding %s: %w", l.listener.Addr(), l.rule, err)
		}
		catcher.Reset()

		select {
		case handoff <- acceptedConnection{listener: l, connection: connection}:
		case <-ctx.Done():
			connection.Close()
			return nil
		}
	}
}

// status snapshots the listener's counters.
func (l *listener) status() ForwardingStatus {
	return ForwardingStatus{
		Rule:     l.rule,
		Address:  l.listener.Addr().String(),
		Accepted: l.accepted.Load(),
		Active:   l.active.Load(),
		Failed:   l.failed.Load(),
	}
}
