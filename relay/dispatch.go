// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"sync"
)

// Mode selects how accepted connections are dispatched to the handler.
type Mode int

const (
	// ModeSerial handles one connection at a time inside the dispatch
	// loop. Connections arriving meanwhile wait in the listener backlog
	// and no device stream is opened for them until the current relay
	// ends. Each listener's acceptor may already have accepted one of
	// them and holds it until the dispatch loop is free.
	ModeSerial Mode = iota

	// ModeConcurrent handles every connection on its own goroutine.
	ModeConcurrent
)

func (m Mode) String() string {
	switch m {
	case ModeSerial:
		return "serial"
	case ModeConcurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Set implements pflag.Value.
func (m *Mode) Set(value string) error {
	switch value {
	case "serial":
		*m = ModeSerial
	case "concurrent":
		*m = ModeConcurrent
	default:
		return fmt.Errorf("unknown mode %q (want serial or concurrent)", value)
	}
	return nil
}

// Type implements pflag.Value.
func (m *Mode) Type() string {
	return "mode"
}

// dispatcher runs handler work according to a Mode.
type dispatcher interface {
	// dispatch runs work, either before returning or in the background.
	dispatch(work func())
	// wait blocks until all background work has finished.
	wait()
}

func newDispatcher(mode Mode) dispatcher {
	if mode == ModeConcurrent {
		return &concurrentDispatcher{}
	}
	return serialDispatcher{}
}

type serialDispatcher struct{}

func (serialDispatcher) dispatch(work func()) { work() }
func (serialDispatcher) wait()                {}

type concurrentDispatcher struct {
	group sync.WaitGroup
}

func (d *concurrentDispatcher) dispatch(work func()) {
	d.group.Add(1)
	go func() {
		defer d.group.Done()
		work()
	}()
}

func (d *concurrentDispatcher) wait() {
	d.group.Wait()
}
