// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// Trestle-standard pragmas applied to every connection.
//
// The bridge's durable store is a single local SQLite file. WAL mode
// gives concurrent readers with a single writer, which matches the
// bridge's access pattern: one sync loop writing, query paths reading.
package sqlitepool
