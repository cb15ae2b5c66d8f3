// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the HTTP serving infrastructure shared
// by fleetwork binaries: a graceful TCP server with a readiness
// channel, and HMAC signature verification for the periodic trigger
// endpoints (invoked by an external scheduler carrying a shared
// secret rather than an operator session).
//
// The server manages listener lifecycle and graceful shutdown; the
// caller provides the http.Handler (routing, authentication, payload
// processing). Serve(ctx) blocks until the context is cancelled and
// active requests drain.
package httpserver
