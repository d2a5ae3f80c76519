// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// trestle-bridge is the Trestle bridge daemon. It loads the YAML
// config, opens the bridge-local store, builds the connection
// declarations for each enabled service category, and runs the sync
// loop until SIGINT or SIGTERM.
package main
