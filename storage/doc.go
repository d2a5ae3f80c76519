// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the bridge-local durable store.
//
// It remembers three kinds of facts that must survive restarts but are
// not representable as Matrix room state: inbound service events the
// bridge has already handled, feed entry GUIDs already delivered, and
// compressed snapshots of room state used to seed startup
// reconciliation before the first full fetch completes.
//
// Two implementations exist: a SQLite-backed store for production and
// an in-memory store for tests and tokenless development setups.
package storage
