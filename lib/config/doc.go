// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the optional tcprelay configuration file.
//
// The file is specified by the --config flag or, failing that, the
// TCPRELAY_CONFIG environment variable. There is no automatic
// discovery: without either, the relay runs from flags alone.
//
// Two formats are accepted, chosen by file extension:
//
//   - .yaml / .yml, decoded with gopkg.in/yaml.v3
//   - .json / .jsonc, JSON that may contain // and /* */ comments and
//     trailing commas, normalized by github.com/tidwall/jsonc
//
// Unknown keys are rejected in both formats so that a typo never
// silently disables a forwarding. ${VAR} and ${VAR:-default} references
// in socket paths are expanded from the environment.
//
// Example:
//
//	bind_address: 127.0.0.1
//	buffer_size_kb: 256
//	threaded: true
//	discovery_timeout: 2s
//	forwardings:
//	  - "2222:22"
//	  - "8080:80"
package config
