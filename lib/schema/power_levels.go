// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/trestle-bridge/trestle/lib/ref"

// PowerLevels is a typed representation of the m.room.power_levels
// state event content.
//
// Pointer-to-int fields distinguish "not set" (nil, Matrix spec
// default applies) from "explicitly set to 0". The engine only reads
// power levels — it never mutates them — so no write helpers exist.
type PowerLevels struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  *int           `json:"users_default,omitempty"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault *int           `json:"events_default,omitempty"`
	StateDefault  *int           `json:"state_default,omitempty"`
}

// UserLevel returns the power level of a user: the explicit entry if
// present, else users_default, else 0 per the Matrix spec.
func (p *PowerLevels) UserLevel(userID string) int {
	if p.Users != nil {
		if level, ok := p.Users[userID]; ok {
			return level
		}
	}
	if p.UsersDefault != nil {
		return *p.UsersDefault
	}
	return 0
}

// StateEventLevel returns the power level required to send the given
// state event type: the explicit entry if present, else state_default,
// else 50 per the Matrix spec.
func (p *PowerLevels) StateEventLevel(eventType ref.EventType) int {
	if p.Events != nil {
		if level, ok := p.Events[eventType.String()]; ok {
			return level
		}
	}
	if p.StateDefault != nil {
		return *p.StateDefault
	}
	return 50
}

// DefaultStateLevel returns state_default, the level required for
// state event types with no explicit entry (50 per the Matrix spec).
func (p *PowerLevels) DefaultStateLevel() int {
	if p.StateDefault != nil {
		return *p.StateDefault
	}
	return 50
}

// CanManageState reports whether a user may send the given state event
// type under these power levels.
func (p *PowerLevels) CanManageState(userID string, eventType ref.EventType) bool {
	return p.UserLevel(userID) >= p.StateEventLevel(eventType)
}
