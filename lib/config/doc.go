// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Trestle bridge.
//
// Configuration is loaded from a single YAML file specified by:
//   - TRESTLE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// Static connection definitions live in a separate JSONC file referenced
// by the main config, so operators can comment individual entries.
package config
