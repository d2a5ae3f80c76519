// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// Standard Matrix state event types the engine interprets.
const (
	// EventTypeTombstone marks a room as retired in favor of a
	// successor. Content: TombstoneContent. A tombstoned room never
	// gets new connections; the upgrade coordinator migrates its
	// existing ones to the replacement room.
	EventTypeTombstone ref.EventType = "m.room.tombstone"

	// EventTypeCreate is the room creation event. Its content names
	// the predecessor room after an upgrade, which the coordinator
	// requires before migrating connections into the new room.
	EventTypeCreate ref.EventType = "m.room.create"

	// EventTypePowerLevels governs who may send which events.
	EventTypePowerLevels ref.EventType = "m.room.power_levels"

	// EventTypeMember is the membership state event.
	EventTypeMember ref.EventType = "m.room.member"
)

// TombstoneContent is the content of an m.room.tombstone state event.
type TombstoneContent struct {
	Body            string     `json:"body,omitempty"`
	ReplacementRoom ref.RoomID `json:"replacement_room"`
}

// CreateContent is the content of an m.room.create state event. Only
// the predecessor reference matters to the engine.
type CreateContent struct {
	RoomVersion string       `json:"room_version,omitempty"`
	Predecessor *Predecessor `json:"predecessor,omitempty"`
}

// Predecessor links an upgraded room back to the room it replaced.
type Predecessor struct {
	RoomID  ref.RoomID  `json:"room_id"`
	EventID ref.EventID `json:"event_id,omitempty"`
}

// ConnectionState holds the fields shared by every Trestle connection
// state event, regardless of service. Per-service declarations embed
// or extend this with their own fields.
type ConnectionState struct {
	// CommandPrefix is the chat command prefix this connection claims
	// in its room (e.g., "!gh"). Empty means the service default. Two
	// connections in one room must not claim the same prefix.
	CommandPrefix string `json:"commandPrefix,omitempty"`

	// Priority orders connections within a room for dispatch; higher
	// wins ties. Absent means the default (-1).
	Priority *int `json:"priority,omitempty"`
}

// DefaultPriority is the priority of a connection whose state does not
// set one.
const DefaultPriority = -1

// PriorityOrDefault returns the declared priority, or DefaultPriority
// when the state does not set one.
func (s *ConnectionState) PriorityOrDefault() int {
	if s.Priority == nil {
		return DefaultPriority
	}
	return *s.Priority
}

// DecodeContent unmarshals an event's generic content map into a typed
// struct by round-tripping through JSON. State events arrive from
// /sync and /state as map[string]any; declaration factories use this
// to obtain their typed state.
func DecodeContent(content map[string]any, target any) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("schema: re-encoding event content: %w", err)
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		return fmt.Errorf("schema: decoding event content: %w", err)
	}
	return nil
}

// IsDisabled reports whether a state content represents a deleted or
// explicitly disabled connection: empty content (the Matrix idiom for
// state deletion) or a true "disabled" flag.
func IsDisabled(content map[string]any) bool {
	if len(content) == 0 {
		return true
	}
	disabled, _ := content["disabled"].(bool)
	return disabled
}
