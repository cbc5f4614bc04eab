// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the relay's CBOR encoding configuration.
//
// CBOR is used for the status socket protocol spoken between a running
// relay and "tcprelay status". JSON and YAML appear only in the
// configuration file, which is decoded by lib/config.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For sockets:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that implement encoding.TextMarshaler (relay.Rule, for example)
// are encoded as CBOR text strings, so a forwarding appears on the wire
// as "8080:80" rather than as a two-field map.
package codec
