// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
)

// Connection is a live binding between one room and one external
// resource. Implementations embed Base for the identity accessors and
// add whichever capability interfaces apply to them.
type Connection interface {
	ID() ID
	RoomID() ref.RoomID
	StateType() ref.EventType
	StateKey() string
	Priority() int
	IsStatic() bool
}

// StateUpdater is implemented by connections that react to their
// governing state event being replaced.
type StateUpdater interface {
	Connection
	OnStateUpdate(ctx context.Context, event messaging.Event) error
}

// Remover is implemented by connections that must clean up external
// resources when removed from the registry.
type Remover interface {
	Connection
	OnRemove(ctx context.Context) error
}

// Migrator is implemented by connections that can follow a room
// upgrade into the successor room. Connections without this
// capability are dropped at the upgrade boundary.
type Migrator interface {
	Connection
	OnMigrate(ctx context.Context, newRoomID ref.RoomID) error
}

// MessageHandler is implemented by connections that accept chat
// commands. OnMessage reports whether the event was consumed.
type MessageHandler interface {
	Connection
	OnMessage(ctx context.Context, event messaging.Event) (handled bool, err error)
}

// PrefixClaimer is implemented by connections that claim a chat
// command prefix in their room. The registry rejects configurations
// that would give two connections in one room the same prefix.
type PrefixClaimer interface {
	Connection
	CommandPrefix() string
}

// GrantAsserter is implemented by non-static connections whose
// creation requires an authorization grant. EnsureGrant is idempotent:
// it verifies the grant fact exists, running the service's fallback
// check and persisting the result when it does not.
type GrantAsserter interface {
	Connection
	EnsureGrant(ctx context.Context, sender ref.UserID) error
}

// Provisionable is implemented by connections that expose their
// configuration to the provisioning API.
type Provisionable interface {
	Connection
	ProvisionerDetails() map[string]any
}

// Resource-target capabilities, used by the registry's typed dispatch
// queries. Each service's connections implement the one that matches
// its resource key.

// RepoTarget is a connection bound to a code forge repository.
type RepoTarget interface {
	Connection
	Repo() (owner, name string)
	// HandlesIssue reports whether this connection routes events for
	// the given issue number in its repository.
	HandlesIssue(number int) bool
}

// WebhookTarget is a connection bound to an inbound webhook.
type WebhookTarget interface {
	Connection
	HookID() string
}

// FeedTarget is a connection bound to a feed URL.
type FeedTarget interface {
	Connection
	FeedURL() string
}

// Base carries the identity of a connection. Embed it by value;
// the accessors satisfy the Connection interface.
type Base struct {
	roomID    ref.RoomID
	stateType ref.EventType
	stateKey  string
	priority  int
	isStatic  bool
}

// NewBase builds a connection base. Priority comes from the governing
// state event; pass schema.DefaultPriority when the state sets none.
func NewBase(roomID ref.RoomID, stateType ref.EventType, stateKey string, priority int, isStatic bool) Base {
	return Base{
		roomID:    roomID,
		stateType: stateType,
		stateKey:  stateKey,
		priority:  priority,
		isStatic:  isStatic,
	}
}

// BaseFromEvent builds a connection base from a governing state event.
// The room ID is passed explicitly because state fetched via
// /rooms/{id}/state does not carry one.
func BaseFromEvent(roomID ref.RoomID, event messaging.Event, isStatic bool) Base {
	var shared schema.ConnectionState
	// Unknown fields are the common case; decode errors only occur on
	// type mismatches, which leave the defaults in place.
	_ = schema.DecodeContent(event.Content, &shared)
	return NewBase(roomID, event.Type, event.StateKeyString(), shared.PriorityOrDefault(), isStatic)
}

func (b Base) ID() ID {
	return IDFor(b.roomID.String(), b.stateType.String(), b.stateKey)
}

func (b Base) RoomID() ref.RoomID       { return b.roomID }
func (b Base) StateType() ref.EventType { return b.stateType }
func (b Base) StateKey() string         { return b.stateKey }
func (b Base) Priority() int            { return b.priority }
func (b Base) IsStatic() bool           { return b.isStatic }

// WithPriority returns a copy with a new priority. Used by
// OnStateUpdate implementations when the governing state changes.
func (b Base) WithPriority(priority int) Base {
	b.priority = priority
	return b
}

// WithRoom returns a copy rebound to a different room. Used by
// OnMigrate implementations at the room upgrade boundary.
func (b Base) WithRoom(roomID ref.RoomID) Base {
	b.roomID = roomID
	return b
}
