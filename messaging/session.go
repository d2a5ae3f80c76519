// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// Session is the interface for the Matrix operations the connection
// engine performs. Production code uses *DirectSession (one per bot
// user, sharing a Client); engine tests substitute in-memory fakes.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID this session
	// acts as (e.g., "@trestle:example.org").
	UserID() string

	// WhoAmI validates the access token and returns the user ID.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// JoinRoom joins a room by room ID. Returns the room ID.
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)

	// JoinedRooms returns the list of room IDs the user has joined.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// GetRoomState fetches all current state events from a room.
	GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error)

	// GetStateEvent fetches a specific state event's content from a
	// room. Returns the raw JSON content for the caller to unmarshal.
	// A missing event is a *MatrixError with code M_NOT_FOUND.
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)

	// SendStateEvent sends a state event to a room. Returns the event ID.
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error)

	// GetEvent fetches a single event by ID. The grant checker uses
	// this to walk the replaces_state chain during rollback.
	GetEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*Event, error)

	// RedactEvent redacts an event, stripping its content. Returns
	// the redaction event's ID.
	RedactEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, reason string) (ref.EventID, error)

	// GetRoomAccountData reads a room-scoped account data entry for
	// this session's user. A missing entry is a *MatrixError with
	// code M_NOT_FOUND.
	GetRoomAccountData(ctx context.Context, roomID ref.RoomID, key string) (json.RawMessage, error)

	// SetRoomAccountData writes a room-scoped account data entry for
	// this session's user.
	SetRoomAccountData(ctx context.Context, roomID ref.RoomID, key string, content any) error

	// GetRoomMembers returns the members of a room.
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error)

	// SendMessage sends a message to a room. Returns the event ID.
	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error)

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
