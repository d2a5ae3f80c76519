// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/config"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/retry"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
)

const (
	// stateFetchAttempts bounds the room-state fetch retry loop. This
	// is the only retry budget in the engine; everything else fails on
	// first error.
	stateFetchAttempts = 5

	// reconcileWorkers is the parallelism of startup reconciliation:
	// enough to overlap two network-bound room fetches without
	// unbounded fan-out.
	reconcileWorkers = 2
)

// CreateConnectionForState builds one connection from an observed
// state event. It returns (nil, nil) in the expected no-op cases:
// deleted or disabled content, an event type no declaration claims, a
// disabled service category, a disallowed write, and a factory
// failure. The only error returned is the per-room fatal "no serving
// bot" condition, which the caller handles without touching sibling
// rooms.
func (r *Registry) CreateConnectionForState(ctx context.Context, roomID ref.RoomID, event messaging.Event, rollbackBadState, isStatic bool) (connection.Connection, error) {
	if !event.IsState() {
		return nil, nil
	}
	// Empty content is how Matrix deletes state; a disabled flag is an
	// explicit soft delete.
	if schema.IsDisabled(event.Content) {
		return nil, nil
	}

	declaration, ok := r.declarations.ByEventType(event.Type)
	if !ok {
		return nil, nil
	}

	if !r.bridgeConfig.ServiceEnabled(declaration.ServiceCategory) {
		r.logger.Debug("service category disabled, skipping state event",
			"room_id", roomID, "type", event.Type, "category", declaration.ServiceCategory)
		return nil, nil
	}

	bot, err := r.bots.BotInRoom(roomID, declaration.ServiceCategory)
	if err != nil {
		return nil, fmt.Errorf("registry: resolving bot for %s in %s: %w", declaration.ServiceCategory, roomID, err)
	}

	if !isStatic && !r.authorizer.IsStateAllowed(event, declaration.ServiceCategory) {
		r.logger.Warn("disallowed connection state write",
			"room_id", roomID, "type", event.Type, "sender", event.Sender,
			"rollback", rollbackBadState)
		if rollbackBadState {
			r.authorizer.TryRestoreState(ctx, bot.Session, roomID, event, declaration.ServiceCategory)
		}
		return nil, nil
	}

	factoryContext := connection.FactoryContext{Session: bot.Session, BotUserID: bot.UserID}
	conn, err := declaration.Create(ctx, factoryContext, roomID, event, isStatic)
	if err != nil {
		// Factory failures are isolated: log and treat as "no
		// connection produced" so the caller's loop continues.
		r.logger.Error("connection factory failed",
			"room_id", roomID, "type", event.Type, "state_key", event.StateKeyString(), "error", err)
		return nil, nil
	}

	if !isStatic {
		if granter, ok := conn.(connection.GrantAsserter); ok {
			if err := granter.EnsureGrant(ctx, event.Sender); err != nil {
				r.logger.Warn("connection grant rejected",
					"room_id", roomID, "type", event.Type, "sender", event.Sender, "error", err)
				return nil, nil
			}
		}
	}
	return conn, nil
}

// CreateConnectionsForRoomID fully resyncs one room: it instantiates a
// connection for every recognized state event plus every static
// definition targeting the room. Used at startup and whenever the
// serving bot's membership changes.
func (r *Registry) CreateConnectionsForRoomID(ctx context.Context, roomID ref.RoomID, rollbackBadState bool) error {
	session := r.bots.DefaultBot().Session

	// Never create connections in a retired room. Absence of the
	// tombstone is the expected case; any other lookup failure is a
	// real error and propagates.
	_, err := session.GetStateEvent(ctx, roomID, schema.EventTypeTombstone, "")
	switch {
	case err == nil:
		r.logger.Info("skipping tombstoned room", "room_id", roomID)
		return nil
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		// No tombstone; continue.
	default:
		return fmt.Errorf("registry: checking tombstone in %s: %w", roomID, err)
	}

	state, err := retry.Do(ctx, retry.Config{
		MaxAttempts: stateFetchAttempts,
		BaseDelay:   r.retryBaseDelay,
		Filter:      messaging.RetryFilter,
		Clock:       r.clock,
		Logger:      r.logger.With("room_id", roomID),
	}, func(ctx context.Context) ([]messaging.Event, error) {
		return session.GetRoomState(ctx, roomID)
	})
	if err != nil {
		return fmt.Errorf("registry: fetching state of %s: %w", roomID, err)
	}

	for _, event := range state {
		conn, err := r.CreateConnectionForState(ctx, roomID, event, rollbackBadState, false)
		if err != nil {
			return err
		}
		if conn != nil {
			r.Push(conn)
		}
	}

	// Static definitions are instantiated last with authorization
	// bypassed; they win any create-race by arriving after the
	// dynamic pass, where Push's ID dedup makes the race harmless.
	for _, static := range r.static {
		if static.RoomID != roomID {
			continue
		}
		conn, err := r.CreateConnectionForState(ctx, roomID, staticEvent(r.bots.DefaultBot().UserID, static), rollbackBadState, true)
		if err != nil {
			return err
		}
		if conn != nil {
			r.Push(conn)
		}
	}
	return nil
}

// staticEvent shapes a static definition as the state event the
// factories expect.
func staticEvent(sender ref.UserID, static config.StaticConnection) messaging.Event {
	stateKey := static.StateKey
	return messaging.Event{
		Type:     static.EventType,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  static.Content,
		RoomID:   static.RoomID,
	}
}

// ReconcileRooms reconciles a set of rooms with bounded parallelism:
// two workers pop room IDs from the tail of a shared list until it is
// exhausted or ctx is cancelled. Per-room failures are logged and do
// not stop the remaining rooms.
func (r *Registry) ReconcileRooms(ctx context.Context, roomIDs []ref.RoomID) {
	remaining := make([]ref.RoomID, len(roomIDs))
	copy(remaining, roomIDs)

	var mu sync.Mutex
	pop := func() (ref.RoomID, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(remaining) == 0 {
			return ref.RoomID{}, false
		}
		roomID := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
		return roomID, true
	}

	var wg sync.WaitGroup
	for worker := 0; worker < reconcileWorkers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				roomID, ok := pop()
				if !ok {
					return
				}
				if err := r.CreateConnectionsForRoomID(ctx, roomID, false); err != nil {
					r.logger.Error("room reconciliation failed", "room_id", roomID, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// ProvisionConnection creates a connection from a provisioning request
// rather than observed state. The requester must hold the
// manageConnections level for the declaration's category; the
// declaration's provisioning factory validates the data and writes the
// resulting state event itself.
func (r *Registry) ProvisionConnection(ctx context.Context, roomID ref.RoomID, requester ref.UserID, eventType ref.EventType, data map[string]any) (connection.Connection, error) {
	declaration, ok := r.declarations.ProvisionableByType(eventType)
	if !ok {
		return nil, fmt.Errorf("registry: %s does not support provisioning", eventType)
	}
	if !r.bridgeConfig.ServiceEnabled(declaration.ServiceCategory) {
		return nil, fmt.Errorf("registry: service category %q is disabled", declaration.ServiceCategory)
	}
	if !r.authorizer.CanManageConnections(requester, declaration.ServiceCategory) {
		return nil, fmt.Errorf("registry: %s may not manage %s connections", requester, declaration.ServiceCategory)
	}
	bot, err := r.bots.BotInRoom(roomID, declaration.ServiceCategory)
	if err != nil {
		return nil, fmt.Errorf("registry: resolving bot for provisioning in %s: %w", roomID, err)
	}

	factoryContext := connection.FactoryContext{Session: bot.Session, BotUserID: bot.UserID}
	conn, err := declaration.Provision(ctx, factoryContext, roomID, requester, data)
	if err != nil {
		return nil, fmt.Errorf("registry: provisioning %s in %s: %w", eventType, roomID, err)
	}
	r.Push(conn)
	return conn, nil
}
