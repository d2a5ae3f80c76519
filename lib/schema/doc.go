// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the Matrix state event shapes the connection
// engine reads and writes: standard room events (tombstone, create,
// power levels) and the shared fields every Trestle connection state
// event carries.
//
// Per-service state content shapes live with their connection
// declarations (service/github, service/webhook, service/feed). This
// package only holds what the engine itself must interpret.
package schema
