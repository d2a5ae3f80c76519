// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix identifiers:
// room IDs, user IDs, event IDs, and event types.
//
// Identifiers arrive as strings from the homeserver, from room state
// written by arbitrary users, and from configuration. Parsing them into
// these types at the boundary means the rest of the bridge never has to
// re-validate sigils or server suffixes, and the compiler prevents a
// state key from being passed where an event type is expected.
//
// All types are immutable values. Zero values are invalid; use IsZero
// to check. Must* constructors are for tests and static initialization
// with known-valid input.
package ref
