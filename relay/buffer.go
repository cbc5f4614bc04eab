// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync"

// ringBuffer is the bounded FIFO between one direction's reader and
// writer goroutines. Unlike an overwriting log buffer it never drops
// data: the reader may only fill free capacity, and the writer releases
// capacity by consuming delivered bytes.
//
// The writer reads from the slice returned by waitData without holding
// the lock. This is safe because put only touches the free region and
// nothing moves the unconsumed region until consume is called.
type ringBuffer struct {
	mutex sync.Mutex
	// changed is broadcast on every put, consume and close.
	changed *sync.Cond

	data     []byte
	capacity int
	// start is the position of the oldest unconsumed byte.
	start int
	// length is the number of unconsumed bytes.
	length int
	// peak is the highest length ever observed.
	peak int

	// closed is set when the relay is over. Both sides stop waiting and
	// any remaining bytes are discarded.
	closed bool
}

func newRingBuffer(capacity int) *ringBuffer {
	ring := &ringBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
	ring.changed = sync.NewCond(&ring.mutex)
	return ring
}

// waitSpace blocks until there is free capacity and returns how much.
// Returns 0 once the buffer is closed.
func (ring *ringBuffer) waitSpace() int {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	for !ring.closed && ring.length == ring.capacity {
		ring.changed.Wait()
	}
	if ring.closed {
		return 0
	}
	return ring.capacity - ring.length
}

// put appends data. The caller must not put more than the free space
// waitSpace reported. Data put after close is discarded.
func (ring *ringBuffer) put(data []byte) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	if ring.closed {
		return
	}
	if len(data) > ring.capacity-ring.length {
		panic("relay: ring buffer overflow")
	}

	writePosition := (ring.start + ring.length) % ring.capacity
	for offset := 0; offset < len(data); {
		available := ring.capacity - writePosition
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(ring.data[writePosition:writePosition+copyLength], data[offset:offset+copyLength])
		writePosition = (writePosition + copyLength) % ring.capacity
		offset += copyLength
	}
	ring.length += len(data)
	if ring.length > ring.peak {
		ring.peak = ring.length
	}
	ring.changed.Broadcast()
}

// waitData blocks until bytes are buffered and returns the contiguous
// run starting at the oldest byte. It returns false once the relay is
// over.
func (ring *ringBuffer) waitData() ([]byte, bool) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	for !ring.closed && ring.length == 0 {
		ring.changed.Wait()
	}
	if ring.closed {
		return nil, false
	}
	end := ring.start + ring.length
	if end > ring.capacity {
		end = ring.capacity
	}
	return ring.data[ring.start:end], true
}

// consume releases count bytes from the head.
func (ring *ringBuffer) consume(count int) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	if count > ring.length {
		panic("relay: ring buffer underflow")
	}
	ring.start = (ring.start + count) % ring.capacity
	ring.length -= count
	if ring.length == 0 {
		ring.start = 0
	}
	ring.changed.Broadcast()
}

// close wakes both sides and discards anything still buffered.
func (ring *ringBuffer) close() {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	ring.closed = true
	ring.changed.Broadcast()
}

// buffered returns the number of unconsumed bytes.
func (ring *ringBuffer) buffered() int {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.length
}

// peakBuffered returns the highest number of unconsumed bytes the
// buffer has ever held.
func (ring *ringBuffer) peakBuffered() int {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.peak
}
