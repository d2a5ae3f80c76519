// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// MemoryProvider is an in-memory Provider for tests and development.
// Nothing survives process exit. Snapshots still round-trip through
// the CBOR/zstd codec so both implementations store the same bytes.
type MemoryProvider struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	feedGUIDs map[string]map[string]struct{}
	snapshots map[ref.RoomID][]byte
}

var _ Provider = (*MemoryProvider)(nil)

func NewMemory() *MemoryProvider {
	return &MemoryProvider{
		seen:      map[string]struct{}{},
		feedGUIDs: map[string]map[string]struct{}{},
		snapshots: map[ref.RoomID][]byte{},
	}
}

func (m *MemoryProvider) Close() error { return nil }

func seenKey(roomID ref.RoomID, eventID string) string {
	return roomID.String() + "\x00" + eventID
}

func (m *MemoryProvider) MarkEventSeen(_ context.Context, roomID ref.RoomID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[seenKey(roomID, eventID)] = struct{}{}
	return nil
}

func (m *MemoryProvider) WasEventSeen(_ context.Context, roomID ref.RoomID, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[seenKey(roomID, eventID)]
	return ok, nil
}

func (m *MemoryProvider) StoreFeedGUIDs(_ context.Context, feedURL string, guids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.feedGUIDs[feedURL]
	if !ok {
		set = map[string]struct{}{}
		m.feedGUIDs[feedURL] = set
	}
	for _, guid := range guids {
		set[guid] = struct{}{}
	}
	return nil
}

func (m *MemoryProvider) HasSeenFeedGUID(_ context.Context, feedURL, guid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.feedGUIDs[feedURL][guid]
	return ok, nil
}

func (m *MemoryProvider) SetRoomSnapshot(_ context.Context, roomID ref.RoomID, events []messaging.Event) error {
	payload, err := encodeSnapshot(events)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[roomID] = payload
	return nil
}

func (m *MemoryProvider) RoomSnapshot(_ context.Context, roomID ref.RoomID) ([]messaging.Event, bool, error) {
	m.mu.Lock()
	payload, ok := m.snapshots[roomID]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	events, err := decodeSnapshot(payload)
	if err != nil {
		return nil, false, err
	}
	return events, true, nil
}
