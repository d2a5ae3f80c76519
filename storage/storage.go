// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// Provider is the durable store consumed by connections and the
// bridge orchestrator.
type Provider interface {
	// MarkEventSeen records that an inbound service event was handled.
	// Marking the same event twice is a no-op.
	MarkEventSeen(ctx context.Context, roomID ref.RoomID, eventID string) error

	// WasEventSeen reports whether an inbound service event was
	// already handled.
	WasEventSeen(ctx context.Context, roomID ref.RoomID, eventID string) (bool, error)

	// StoreFeedGUIDs records delivered feed entries. Old entries
	// beyond the per-feed retention window may be dropped.
	StoreFeedGUIDs(ctx context.Context, feedURL string, guids []string) error

	// HasSeenFeedGUID reports whether a feed entry was already
	// delivered.
	HasSeenFeedGUID(ctx context.Context, feedURL, guid string) (bool, error)

	// SetRoomSnapshot replaces the cached state snapshot for a room.
	SetRoomSnapshot(ctx context.Context, roomID ref.RoomID, events []messaging.Event) error

	// RoomSnapshot returns the cached state snapshot for a room. The
	// second return is false when no snapshot exists.
	RoomSnapshot(ctx context.Context, roomID ref.RoomID) ([]messaging.Event, bool, error)

	// Close releases the store's resources.
	Close() error
}

// feedGUIDRetention bounds how many delivered GUIDs are kept per feed.
// Feeds rarely republish entries older than this window.
const feedGUIDRetention = 10000
