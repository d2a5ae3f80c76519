// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection defines the contract every bridged connection
// implements: a live binding between one Matrix room and one external
// resource, declared by a state event and produced by a declaration's
// factory.
//
// A connection's identity is a deterministic hash of its room, state
// event type, and state key; the registry relies on that determinism
// to make creation idempotent. Optional behavior (state updates,
// removal, migration, message handling) is expressed through narrow
// capability interfaces that callers probe with type assertions.
package connection
