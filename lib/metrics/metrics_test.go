// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.ConnectionAccepted(22)
	m.ConnectionFailed(ReasonNoDevice)
	m.RelayStarted()
	m.RelayFinished(10, 20)
}

func TestCounters(t *testing.T) {
	m := New()

	m.ConnectionAccepted(2222)
	m.ConnectionAccepted(2222)
	m.ConnectionAccepted(8080)
	m.ConnectionFailed(ReasonNoDevice)

	if got := testutil.ToFloat64(m.accepted.WithLabelValues("2222")); got != 2 {
		t.Errorf("accepted{2222} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.accepted.WithLabelValues("8080")); got != 1 {
		t.Errorf("accepted{8080} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues(ReasonNoDevice)); got != 1 {
		t.Errorf("failed{no_device} = %v, want 1", got)
	}

	m.RelayStarted()
	m.RelayStarted()
	if got := testutil.ToFloat64(m.activeRelays); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}
	m.RelayFinished(100, 250)
	if got := testutil.ToFloat64(m.activeRelays); got != 1 {
		t.Errorf("active after finish = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.relayedBytes.WithLabelValues(DirectionToDevice)); got != 100 {
		t.Errorf("bytes to device = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.relayedBytes.WithLabelValues(DirectionFromDevice)); got != 250 {
		t.Errorf("bytes from device = %v, want 250", got)
	}
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.ConnectionAccepted(22)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	response, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), `tcprelay_connections_accepted_total{local_port="22"} 1`) {
		t.Errorf("exposition missing accepted counter:\n%s", body)
	}
}
