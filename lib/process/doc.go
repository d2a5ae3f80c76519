// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Trestle
// binaries: fatal error reporting to stderr for errors surfaced from
// run() before or after the structured logger exists.
package process
