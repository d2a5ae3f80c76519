// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// FactoryContext carries the shared collaborators every factory
// receives. Service-specific dependencies (forge clients, grant
// checkers) are closed over when the declaration is constructed.
type FactoryContext struct {
	// Session is the session of the bot serving this connection's
	// service category in this room.
	Session messaging.Session

	// BotUserID is the Matrix user of that bot.
	BotUserID ref.UserID
}

// Factory builds a connection from its governing state event. A nil
// Connection with a nil error is not a valid return; factories that
// decline must return an error.
type Factory func(ctx context.Context, factoryContext FactoryContext, roomID ref.RoomID, event messaging.Event, isStatic bool) (Connection, error)

// ProvisionFactory builds a connection from a provisioning request:
// validated user-supplied data rather than existing room state. The
// factory writes the resulting state event itself.
type ProvisionFactory func(ctx context.Context, factoryContext FactoryContext, roomID ref.RoomID, requester ref.UserID, data map[string]any) (Connection, error)

// Declaration is a static type descriptor for one class of
// connections. Declarations are registered once at startup and never
// mutated.
type Declaration struct {
	// EventTypes are the state event types this declaration claims.
	// The first entry is the canonical type; the rest are legacy
	// aliases still honored when reading state.
	EventTypes []ref.EventType

	// ServiceCategory groups this declaration for permissioning,
	// enablement, and bot selection ("github", "webhook", "feed").
	ServiceCategory string

	// Create builds a connection from observed room state.
	Create Factory

	// Provision, if non-nil, builds a connection from a provisioning
	// API request.
	Provision ProvisionFactory
}

// CanonicalType returns the declaration's canonical state event type.
func (d *Declaration) CanonicalType() ref.EventType {
	return d.EventTypes[0]
}

// DeclarationSet is the static table mapping state event types to
// declarations. It is built once at startup and read-only afterward.
type DeclarationSet struct {
	byType        map[ref.EventType]*Declaration
	provisionable map[ref.EventType]*Declaration
}

// NewDeclarationSet builds the lookup table. Two declarations claiming
// the same event type is a programming error and fails construction.
func NewDeclarationSet(declarations ...*Declaration) (*DeclarationSet, error) {
	set := &DeclarationSet{
		byType:        map[ref.EventType]*Declaration{},
		provisionable: map[ref.EventType]*Declaration{},
	}
	for _, declaration := range declarations {
		if len(declaration.EventTypes) == 0 {
			return nil, fmt.Errorf("connection: declaration for category %q claims no event types", declaration.ServiceCategory)
		}
		for _, eventType := range declaration.EventTypes {
			if existing, ok := set.byType[eventType]; ok {
				return nil, fmt.Errorf("connection: event type %s claimed by both %q and %q declarations",
					eventType, existing.ServiceCategory, declaration.ServiceCategory)
			}
			set.byType[eventType] = declaration
		}
		if declaration.Provision != nil {
			if _, ok := set.provisionable[declaration.CanonicalType()]; ok {
				return nil, fmt.Errorf("connection: duplicate provisionable declaration for %s", declaration.CanonicalType())
			}
			set.provisionable[declaration.CanonicalType()] = declaration
		}
	}
	return set, nil
}

// ByEventType returns the declaration claiming an event type.
func (s *DeclarationSet) ByEventType(eventType ref.EventType) (*Declaration, bool) {
	declaration, ok := s.byType[eventType]
	return declaration, ok
}

// ProvisionableByType returns the provisionable declaration for a
// canonical event type.
func (s *DeclarationSet) ProvisionableByType(eventType ref.EventType) (*Declaration, bool) {
	declaration, ok := s.provisionable[eventType]
	return declaration, ok
}
