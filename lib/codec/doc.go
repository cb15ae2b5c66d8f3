// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding and decoding.
//
// Fleetwork uses CBOR for signed payloads (worker identity tokens)
// where byte-level determinism matters: the same logical token must
// always produce identical bytes so that signatures verify. JSON is
// used everywhere else (HTTP bodies, stored instruction payloads).
//
// Marshal uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items.
// Unmarshal accepts standard CBOR and silently ignores unknown fields
// for forward compatibility.
package codec
