// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process centralizes how the tcprelay binary reports an
// unrecoverable error and exits. These paths run before the structured
// logger exists (flag and config errors) or after it has been torn
// down, so they write to stderr directly.
package process
