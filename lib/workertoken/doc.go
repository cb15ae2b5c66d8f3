// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workertoken implements Ed25519-signed bearer tokens for
// authenticating remote worker processes to the fleetwork server.
//
// Workers are entirely out of process and reach the server over HTTP
// polling from arbitrary networks. Each worker holds a token minted by
// the fleet's provisioning collaborator binding the worker identity to
// the device it runs on. The server verifies tokens cryptographically
// on every request — no session state, no provisioning round-trip.
//
// # Wire format
//
// A token is raw bytes: CBOR-encoded payload followed by a 64-byte
// Ed25519 signature over the payload bytes.
//
//	[CBOR payload bytes] [64-byte Ed25519 signature]
//
// The split point is always len(token) - 64. No header, no length
// prefix — the algorithm is fixed and the signature size is constant.
// On HTTP requests the raw bytes travel base64-encoded in the
// Authorization header ("Bearer <base64>").
//
// # Verification
//
// Services verify the signature, check expiry, confirm the audience,
// and then compare the token's WorkerID against the worker the request
// claims to act for. A worker acting on another worker's identity is a
// Forbidden error at the orchestration layer, not a token failure.
package workertoken
