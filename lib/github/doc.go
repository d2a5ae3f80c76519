// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package github is a minimal GitHub REST API client for the bridge.
//
// The bridge uses GitHub for two things: probing a sender's current
// access to a repository when deciding a connection grant, and acting
// on chat commands routed to a repository connection. The client
// covers exactly those endpoints, with token authentication, rate
// limit tracking, and structured error handling.
package github
