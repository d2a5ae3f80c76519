// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// that Trestle's connection engine needs.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport; [DirectSession] wraps it with an access token for
// authenticated calls: room state (full state and single events), state
// event writes, event fetch by ID, redaction, room-scoped account data
// (the durable backing for connection grants), joins, membership, and
// incremental sync.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status
// code; [IsMatrixError] tests for a specific code and [RetryFilter]
// classifies errors for the bounded room-state fetch retry. Request
// URLs are built by string concatenation rather than url.URL to avoid
// double-encoding path segments that already contain URL-encoded
// characters.
//
// [Session] is the interface the engine consumes; tests substitute
// in-memory fakes, production code uses DirectSession.
package messaging
