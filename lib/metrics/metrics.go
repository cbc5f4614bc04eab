// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcprelay"

// Failure reasons recorded on tcprelay_connections_failed_total.
const (
	ReasonNoDevice      = "no_device"
	ReasonDiscovery     = "discovery_error"
	ReasonDeviceConnect = "device_connect"
	ReasonAccept        = "accept"
)

// Directions recorded on tcprelay_relayed_bytes_total.
const (
	DirectionToDevice   = "to_device"
	DirectionFromDevice = "from_device"
)

// Metrics holds the relay's collectors and the registry they are
// registered in.
type Metrics struct {
	registry *prometheus.Registry

	accepted     *prometheus.CounterVec
	failed       *prometheus.CounterVec
	activeRelays prometheus.Gauge
	relayedBytes *prometheus.CounterVec
}

// New creates the collectors in a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Local connections accepted, by local port.",
		}, []string{"local_port"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_failed_total",
			Help:      "Connections that ended before relaying, by reason.",
		}, []string{"reason"}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Relays currently moving bytes between a local client and the device.",
		}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes delivered through completed relays, by direction.",
		}, []string{"direction"}),
	}
	registry.MustRegister(
		m.accepted,
		m.failed,
		m.activeRelays,
		m.relayedBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ConnectionAccepted counts an accepted connection on localPort.
func (m *Metrics) ConnectionAccepted(localPort uint16) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(strconv.Itoa(int(localPort))).Inc()
}

// ConnectionFailed counts a connection that was closed before a relay
// started.
func (m *Metrics) ConnectionFailed(reason string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(reason).Inc()
}

// RelayStarted increments the active relay gauge.
func (m *Metrics) RelayStarted() {
	if m == nil {
		return
	}
	m.activeRelays.Inc()
}

// RelayFinished decrements the active relay gauge and adds the bytes
// delivered in each direction.
func (m *Metrics) RelayFinished(toDevice, fromDevice int64) {
	if m == nil {
		return
	}
	m.activeRelays.Dec()
	m.relayedBytes.WithLabelValues(DirectionToDevice).Add(float64(toDevice))
	m.relayedBytes.WithLabelValues(DirectionFromDevice).Add(float64(fromDevice))
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
