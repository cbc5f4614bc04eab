// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// DefaultBufferBytes is the per-direction buffer limit used when Run is
// given a non-positive size.
const DefaultBufferBytes = 128 * 1024

// MaxBufferBytes is the largest per-direction buffer Start accepts.
const MaxBufferBytes = 16 << 20

// Endpoint identifies one side of a relay.
type Endpoint int

const (
	EndpointA Endpoint = iota
	EndpointB
)

func (e Endpoint) String() string {
	if e == EndpointA {
		return "a"
	}
	return "b"
}

// Reason is why a relay ended.
type Reason int

const (
	// ReasonClosed means an endpoint reached EOF.
	ReasonClosed Reason = iota + 1
	// ReasonIOError means a read or write failed.
	ReasonIOError
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonIOError:
		return "io_error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Outcome describes how a relay ended.
type Outcome struct {
	Reason Reason
	// ClosedBy is the endpoint whose read or write ended the relay.
	ClosedBy Endpoint
	// Err is set for ReasonIOError.
	Err error

	// AToB and BToA count bytes written to the destination in each
	// direction.
	AToB int64
	BToA int64

	// PeakAToB and PeakBToA are the highest number of bytes ever held
	// in each direction's buffer.
	PeakAToB int
	PeakBToA int
}

// Run copies bytes between a and b in both directions until one side
// closes or fails, and returns how it ended.
//
// Each direction holds at most maxBufferBytes of data that has been
// read from its source but not yet written to its destination. A full
// buffer stops reads from that source, so a slow destination throttles
// the sender instead of growing memory.
//
// The first EOF or error ends the relay immediately. There is no
// half-close: bytes still buffered in either direction are discarded,
// so a peer that has stopped reading cannot hold the relay open.
//
// Run never closes a or b. The caller must close both after Run returns,
// which also releases the goroutines still blocked on them.
func Run(a, b io.ReadWriter, maxBufferBytes int) Outcome {
	if maxBufferBytes <= 0 {
		maxBufferBytes = DefaultBufferBytes
	}

	// Each of the four pump goroutines reports at most once, so the
	// channel never blocks a pump that outlives Run.
	events := make(chan pumpEvent, 4)

	aToB := newDirection(a, b, EndpointA, EndpointB, maxBufferBytes)
	bToA := newDirection(b, a, EndpointB, EndpointA, maxBufferBytes)
	for _, direction := range []*direction{aToB, bToA} {
		go direction.readLoop(events)
		go direction.writeLoop(events)
	}

	first := <-events
	aToB.buffer.close()
	bToA.buffer.close()

	return Outcome{
		Reason:   first.reason,
		ClosedBy: first.endpoint,
		Err:      first.err,
		AToB:     aToB.delivered.Load(),
		BToA:     bToA.delivered.Load(),
		PeakAToB: aToB.buffer.peakBuffered(),
		PeakBToA: bToA.buffer.peakBuffered(),
	}
}

type pumpEvent struct {
	reason   Reason
	endpoint Endpoint
	err      error
}

// direction moves bytes from source to destination through a bounded
// buffer.
type direction struct {
	source      io.Reader
	destination io.Writer
	sourceEnd   Endpoint
	destEnd     Endpoint

	buffer    *ringBuffer
	scratch   []byte
	delivered atomic.Int64
}

func newDirection(source io.Reader, destination io.Writer, sourceEnd, destEnd Endpoint, maxBufferBytes int) *direction {
	return &direction{
		source:      source,
		destination: destination,
		sourceEnd:   sourceEnd,
		destEnd:     destEnd,
		buffer:      newRingBuffer(maxBufferBytes),
		scratch:     make([]byte, maxBufferBytes),
	}
}

// readLoop requests exactly the free capacity from the source on each
// read. A read returning (0, nil) is retried.
func (d *direction) readLoop(events chan<- pumpEvent) {
	for {
		free := d.buffer.waitSpace()
		if free == 0 {
			return
		}
		count, err := d.source.Read(d.scratch[:free])
		if count > 0 {
			d.buffer.put(d.scratch[:count])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			events <- pumpEvent{reason: ReasonClosed, endpoint: d.sourceEnd}
			return
		}
		events <- pumpEvent{reason: ReasonIOError, endpoint: d.sourceEnd, err: fmt.Errorf("reading from %s: %w", d.sourceEnd, err)}
		return
	}
}

// writeLoop writes buffered bytes to the destination. Whatever a short
// write leaves behind stays at the head of the buffer for the next
// attempt.
func (d *direction) writeLoop(events chan<- pumpEvent) {
	for {
		chunk, open := d.buffer.waitData()
		if !open {
			return
		}

		count, err := d.destination.Write(chunk)
		if count > 0 {
			d.buffer.consume(count)
			d.delivered.Add(int64(count))
		}
		if err != nil {
			events <- pumpEvent{reason: ReasonIOError, endpoint: d.destEnd, err: fmt.Errorf("writing to %s: %w", d.destEnd, err)}
			return
		}
	}
}
