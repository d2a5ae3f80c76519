// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// Level is a permission level. Levels are ordered: an actor granted a
// level holds every lower level too.
type Level int

const (
	// LevelCommands permits invoking read-only chat commands.
	LevelCommands Level = 1
	// LevelLogin permits authenticating with the remote service.
	LevelLogin Level = 2
	// LevelNotifications permits enabling personal notifications.
	LevelNotifications Level = 3
	// LevelManageConnections permits creating, editing, and removing
	// connections.
	LevelManageConnections Level = 4
	// LevelAdmin permits everything, including bridge administration.
	LevelAdmin Level = 5
)

var levelNames = map[string]Level{
	"commands":          LevelCommands,
	"login":             LevelLogin,
	"notifications":     LevelNotifications,
	"manageConnections": LevelManageConnections,
	"admin":             LevelAdmin,
}

// ParseLevel converts a level name from the config file into a Level.
func ParseLevel(name string) (Level, error) {
	level, ok := levelNames[name]
	if !ok {
		return 0, fmt.Errorf("invalid permission level %q", name)
	}
	return level, nil
}

// ActorPermission grants one actor a set of per-service levels.
//
// Actor forms:
//   - a full user ID ("@alice:example.org") matches that user
//   - a server name ("example.org") matches every user on it
//   - a room ID ("!ops:example.org") matches current members of that
//     room, resolved through the membership cache
//   - "*" matches everyone
type ActorPermission struct {
	Actor    string              `yaml:"actor"`
	Services []ServicePermission `yaml:"services"`
}

// ServicePermission grants a level for one service category, or for
// all of them when Service is "*" or empty.
type ServicePermission struct {
	Service string `yaml:"service,omitempty"`
	Level   string `yaml:"level"`
}

// PermissionSet answers permission queries against the configured
// actor list. Room-based actors need membership fed in through
// AddMemberToCache before they match anyone.
//
// PermissionSet is not safe for concurrent mutation; the bridge feeds
// membership from its single sync loop.
type PermissionSet struct {
	actors     []ActorPermission
	membership map[string]map[ref.UserID]struct{}
}

// NewPermissionSet builds a PermissionSet from the configured actor
// permissions. Invalid level names surface here so a bad config fails
// at startup rather than silently denying.
func NewPermissionSet(actors []ActorPermission) (*PermissionSet, error) {
	set := &PermissionSet{
		actors:     actors,
		membership: map[string]map[ref.UserID]struct{}{},
	}
	for _, actor := range actors {
		for _, service := range actor.Services {
			if _, err := ParseLevel(service.Level); err != nil {
				return nil, fmt.Errorf("actor %q: %w", actor.Actor, err)
			}
		}
		if strings.HasPrefix(actor.Actor, "!") {
			set.membership[actor.Actor] = map[ref.UserID]struct{}{}
		}
	}
	return set, nil
}

// InterestedRooms returns the room IDs used as actors, whose
// membership the bridge must track.
func (p *PermissionSet) InterestedRooms() []string {
	rooms := make([]string, 0, len(p.membership))
	for room := range p.membership {
		rooms = append(rooms, room)
	}
	return rooms
}

// AddMemberToCache records that a user is a member of a room-based
// actor. Rooms not used as actors are ignored.
func (p *PermissionSet) AddMemberToCache(roomID ref.RoomID, userID ref.UserID) {
	if members, ok := p.membership[roomID.String()]; ok {
		members[userID] = struct{}{}
	}
}

// RemoveMemberFromCache removes a user from a room-based actor.
func (p *PermissionSet) RemoveMemberFromCache(roomID ref.RoomID, userID ref.UserID) {
	if members, ok := p.membership[roomID.String()]; ok {
		delete(members, userID)
	}
}

func (p *PermissionSet) matchActor(actor string, userID ref.UserID) bool {
	if strings.HasPrefix(actor, "!") {
		_, member := p.membership[actor][userID]
		return member
	}
	if actor == "*" || actor == userID.String() {
		return true
	}
	// Server-name actors match on the user's domain.
	mxid := userID.String()
	if colon := strings.IndexByte(mxid, ':'); colon >= 0 {
		return actor == mxid[colon+1:]
	}
	return false
}

// CheckAction reports whether a user holds the given level for a
// service category. Unknown users and unmatched actors deny.
func (p *PermissionSet) CheckAction(userID ref.UserID, service string, required Level) bool {
	for _, actor := range p.actors {
		if !p.matchActor(actor.Actor, userID) {
			continue
		}
		for _, grant := range actor.Services {
			if grant.Service != "" && grant.Service != "*" && grant.Service != service {
				continue
			}
			level, err := ParseLevel(grant.Level)
			if err != nil {
				continue
			}
			if level >= required {
				return true
			}
		}
	}
	return false
}

// CheckActionAny reports whether a user holds the given level for any
// service category.
func (p *PermissionSet) CheckActionAny(userID ref.UserID, required Level) bool {
	for _, actor := range p.actors {
		if !p.matchActor(actor.Actor, userID) {
			continue
		}
		for _, grant := range actor.Services {
			level, err := ParseLevel(grant.Level)
			if err != nil {
				continue
			}
			if level >= required {
				return true
			}
		}
	}
	return false
}
