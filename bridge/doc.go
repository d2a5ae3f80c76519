// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge runs the sync-driven orchestration loop that keeps
// the connection registry aligned with what the homeserver reports.
//
// [Bridge] is the single type. Start seeds bot room membership, runs
// the startup reconciliation pass over every joined room, and begins
// long-polling /sync in a background goroutine. Each sync response is
// routed piecewise: connection state events create, update, or remove
// registry entries; m.room.member events feed the bot membership cache
// and trigger per-room resyncs; m.room.tombstone events queue room
// upgrades with the coordinator; chat messages are offered to the
// room's connections in priority order. Invites to the default bot are
// accepted. Stop shuts the loop down; Wait blocks until it has exited.
//
// Handled events are recorded in the durable store, so a replayed sync
// batch after a restart with a stale since-token does not dispatch the
// same command twice. The store also keeps a per-room state snapshot,
// folded together incrementally from sync, which serves as the resync
// source when a live state fetch fails.
package bridge
