// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package github implements the GitHub repository connection: a room
// bound to one org/repo pair through an io.trestle.github.repository
// state event.
//
// The connection's grant identity is the composite (org, repo) pair.
// When no grant fact exists yet, the fallback probes the sender's
// current collaborator permission on the repository through the forge
// client, so a room member with push access can bind the repository
// without operator involvement.
package github
