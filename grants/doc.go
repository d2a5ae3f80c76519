// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package grants enforces who may create, mutate, or delete
// connections.
//
// Two distinct checks live here. The Checker answers "is this specific
// connection identity granted in this room", backed by room account
// data with a per-service fallback check for identities never seen
// before. The Authorizer answers "may this state write stand at all",
// based on the sender's configured permission level, and can repair a
// disallowed write by restoring the most recent allowed version of the
// state or redacting the offender.
//
// Grant facts are never deleted: revocation writes granted=false, so
// absence ("never decided, ask the fallback") and revocation ("decided
// no, stay no") remain distinguishable.
package grants
