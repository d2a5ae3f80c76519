// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package bots tracks the bridge's bot users: the default bot present
// in every bridged room plus optional bots dedicated to one service
// category. The manager answers "which bot serves category X in room
// Y", preferring a category-specific bot over the default when both
// are joined.
package bots
