// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry owns the live connection list and reconciles it
// against observed room state.
//
// The registry is the single writer of the list: every mutation (push,
// purge, room removal, migration) happens under its lock as a
// non-suspending operation. Authorization checks, factory calls, and
// network fetches run outside the lock, so two concurrent
// reconciliations of the same room can race to create a connection;
// this is harmless because Push is idempotent on the deterministic
// connection ID.
//
// The room upgrade coordinator lives here too: it tracks successor
// rooms awaiting migration and carries connections across the upgrade
// boundary once the new room is ready.
package registry
