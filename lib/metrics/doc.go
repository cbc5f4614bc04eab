// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors for relay activity.
//
// A nil *Metrics is valid and records nothing, so the relay package can
// call it unconditionally. [Metrics.Handler] returns the exposition
// handler served on --metrics-listen.
package metrics
