// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
)

// HandleStateChange applies one observed connection state event to the
// live list. Deleted or disabled state purges the connections it
// governs; a replacement updates them in place, rebuilding connections
// that cannot apply updates; state no connection governs creates one.
// A disallowed replacement is rejected before any connection sees it,
// with the same optional rollback as the create path.
//
// The only error returned is the per-room fatal "no serving bot"
// condition, matching CreateConnectionForState.
func (r *Registry) HandleStateChange(ctx context.Context, roomID ref.RoomID, event messaging.Event, rollbackBadState bool) error {
	if !event.IsState() {
		return nil
	}

	interested := r.InterestedInStateEvent(roomID, event.Type, event.StateKeyString())
	if len(interested) == 0 {
		conn, err := r.CreateConnectionForState(ctx, roomID, event, rollbackBadState, false)
		if err != nil {
			return err
		}
		if conn != nil {
			r.Push(conn)
		}
		return nil
	}

	// Deletion is honored regardless of who sent it: the state is
	// already gone from the room, so the connection must go too.
	if schema.IsDisabled(event.Content) {
		for _, conn := range interested {
			if err := r.PurgeConnection(ctx, roomID, conn.ID(), false); err != nil {
				r.logger.Warn("purging deleted connection failed",
					"connection_id", conn.ID(), "room_id", roomID, "error", err)
			}
		}
		return nil
	}

	declaration, ok := r.declarations.ByEventType(event.Type)
	if !ok {
		return nil
	}
	if !r.authorizer.IsStateAllowed(event, declaration.ServiceCategory) {
		r.logger.Warn("disallowed connection state update",
			"room_id", roomID, "type", event.Type, "sender", event.Sender,
			"rollback", rollbackBadState)
		if rollbackBadState {
			if bot, err := r.bots.BotInRoom(roomID, declaration.ServiceCategory); err == nil {
				r.authorizer.TryRestoreState(ctx, bot.Session, roomID, event, declaration.ServiceCategory)
			}
		}
		return nil
	}

	for _, conn := range interested {
		updater, supportsUpdate := conn.(connection.StateUpdater)
		if !supportsUpdate {
			// No in-place update support: replace the connection with
			// one built from the new state.
			if err := r.PurgeConnection(ctx, roomID, conn.ID(), false); err != nil {
				r.logger.Warn("replacing connection failed",
					"connection_id", conn.ID(), "room_id", roomID, "error", err)
				continue
			}
			replacement, err := r.CreateConnectionForState(ctx, roomID, event, rollbackBadState, false)
			if err != nil {
				return err
			}
			if replacement != nil {
				r.Push(replacement)
			}
			continue
		}
		if err := updater.OnStateUpdate(ctx, event); err != nil {
			r.logger.Warn("state update rejected",
				"connection_id", conn.ID(), "room_id", roomID, "error", err)
		}
	}
	return nil
}
