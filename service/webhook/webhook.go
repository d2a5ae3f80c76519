// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook implements the generic inbound webhook connection: a
// room that receives events posted to a bridge-generated hook ID.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
)

const (
	// StateType is the canonical governing state event type.
	StateType ref.EventType = "io.trestle.webhook"

	// legacyStateType is honored when reading pre-rename state.
	legacyStateType ref.EventType = "org.trestle.webhook"

	// ServiceCategory groups the declaration for permissioning and
	// enablement.
	ServiceCategory = "webhook"
)

// State is the content of the governing state event. The hook ID is
// generated at provisioning time and recorded in state so the binding
// survives bridge restarts.
type State struct {
	Name   string `json:"name"`
	HookID string `json:"hookId"`

	Priority *int `json:"priority,omitempty"`
}

// Validate checks the state for the fields a working connection needs.
func (s *State) Validate() error {
	if s.HookID == "" {
		return fmt.Errorf("webhook: connection state requires hookId")
	}
	return nil
}

// Connection binds a room to one inbound webhook.
type Connection struct {
	connection.Base

	session messaging.Session
	logger  *slog.Logger

	mu    sync.RWMutex
	state State
}

var (
	_ connection.WebhookTarget = (*Connection)(nil)
	_ connection.StateUpdater  = (*Connection)(nil)
	_ connection.Remover       = (*Connection)(nil)
	_ connection.Migrator      = (*Connection)(nil)
	_ connection.Provisionable = (*Connection)(nil)
)

// HookID returns the inbound hook ID this connection routes.
func (c *Connection) HookID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.HookID
}

// Name returns the operator-facing label for the hook.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Name
}

// OnStateUpdate applies a replacement of the governing state event.
// The hook ID is immutable: changing it would silently break the
// external caller, so updates that try are rejected.
func (c *Connection) OnStateUpdate(_ context.Context, event messaging.Event) error {
	var state State
	if err := schema.DecodeContent(event.Content, &state); err != nil {
		return fmt.Errorf("webhook: decoding updated state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return err
	}
	if state.HookID != c.HookID() {
		return fmt.Errorf("webhook: hookId is immutable (connection %s)", c.ID())
	}

	var shared schema.ConnectionState
	sharedErr := schema.DecodeContent(event.Content, &shared)
	c.mu.Lock()
	c.state = state
	if sharedErr == nil {
		c.Base = c.Base.WithPriority(shared.PriorityOrDefault())
	}
	c.mu.Unlock()
	return nil
}

// OnRemove logs the retirement of the hook ID. Inbound requests for a
// removed hook find no connection in the registry and are dropped
// there; no external resource needs cleanup.
func (c *Connection) OnRemove(context.Context) error {
	c.logger.Info("webhook retired", "room_id", c.RoomID(), "hook_id", c.HookID())
	return nil
}

// OnMigrate rebinds the connection to the successor room and writes
// the governing state event there, keeping the hook ID stable across
// the upgrade so external callers are unaffected.
func (c *Connection) OnMigrate(ctx context.Context, newRoomID ref.RoomID) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if _, err := c.session.SendStateEvent(ctx, newRoomID, StateType, c.StateKey(), state); err != nil {
		return fmt.Errorf("webhook: writing state to successor room %s: %w", newRoomID, err)
	}
	c.mu.Lock()
	c.Base = c.Base.WithRoom(newRoomID)
	c.mu.Unlock()
	return nil
}

// ProvisionerDetails exposes the connection's configuration to the
// provisioning API. The hook ID is included: the requester needs it to
// configure the external caller.
func (c *Connection) ProvisionerDetails() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"name":   c.state.Name,
		"hookId": c.state.HookID,
	}
}

// NewDeclaration builds the webhook connection declaration.
func NewDeclaration(logger *slog.Logger) *connection.Declaration {
	if logger == nil {
		logger = slog.Default()
	}

	build := func(factoryContext connection.FactoryContext, base connection.Base, state State) *Connection {
		return &Connection{
			Base:    base,
			session: factoryContext.Session,
			logger:  logger,
			state:   state,
		}
	}

	return &connection.Declaration{
		EventTypes:      []ref.EventType{StateType, legacyStateType},
		ServiceCategory: ServiceCategory,
		Create: func(_ context.Context, factoryContext connection.FactoryContext, roomID ref.RoomID, event messaging.Event, isStatic bool) (connection.Connection, error) {
			var state State
			if err := schema.DecodeContent(event.Content, &state); err != nil {
				return nil, fmt.Errorf("webhook: decoding connection state: %w", err)
			}
			if err := state.Validate(); err != nil {
				return nil, err
			}
			return build(factoryContext, connection.BaseFromEvent(roomID, event, isStatic), state), nil
		},
		Provision: func(ctx context.Context, factoryContext connection.FactoryContext, roomID ref.RoomID, requester ref.UserID, data map[string]any) (connection.Connection, error) {
			name, _ := data["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("webhook: name is required")
			}
			state := State{Name: name, HookID: uuid.NewString()}
			if _, err := factoryContext.Session.SendStateEvent(ctx, roomID, StateType, state.HookID, state); err != nil {
				return nil, fmt.Errorf("webhook: writing connection state: %w", err)
			}
			logger.Info("webhook provisioned",
				"room_id", roomID, "name", name, "hook_id", state.HookID, "requester", requester)
			base := connection.NewBase(roomID, StateType, state.HookID, schema.DefaultPriority, false)
			return build(factoryContext, base, state), nil
		},
	}
}
