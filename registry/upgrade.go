// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
)

// pendingUpgrade tracks one room upgrade awaiting migration, keyed in
// Registry.upgrades by the successor room ID. The migrating flag
// prevents two event triggers from racing into the same migration;
// precondition failures clear it, re-queueing the upgrade.
type pendingUpgrade struct {
	predecessor ref.RoomID
	migrating   bool
}

// OnTombstoneEvent records that a room was retired in favor of a
// successor and queues the successor for migration. Every bot present
// in the old room attempts to join the new one; join failures are
// expected (the new room may not be reachable yet) and ignored.
func (r *Registry) OnTombstoneEvent(ctx context.Context, oldRoomID ref.RoomID, tombstone schema.TombstoneContent) {
	newRoomID := tombstone.ReplacementRoom
	if newRoomID.IsZero() {
		r.logger.Warn("tombstone without replacement room ignored", "room_id", oldRoomID)
		return
	}

	r.mu.Lock()
	if _, exists := r.upgrades[newRoomID]; !exists {
		r.upgrades[newRoomID] = &pendingUpgrade{predecessor: oldRoomID}
	}
	r.mu.Unlock()

	r.logger.Info("room upgrade pending",
		"old_room_id", oldRoomID, "new_room_id", newRoomID)

	for _, bot := range r.bots.BotsInRoom(oldRoomID) {
		if _, err := bot.Session.JoinRoom(ctx, newRoomID); err != nil {
			r.logger.Debug("bot could not join successor room yet",
				"bot", bot.UserID, "new_room_id", newRoomID, "error", err)
		}
	}
}

// IsPendingUpgrade reports whether a room is a successor awaiting
// migration.
func (r *Registry) IsPendingUpgrade(roomID ref.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.upgrades[roomID]
	return ok
}

// CheckAndMigrateIfPendingUpgrade runs opportunistically whenever any
// event arrives for a room. If the room is a successor awaiting
// migration and the preconditions hold, connections are carried over
// from the predecessor; otherwise the upgrade stays queued for the
// next trigger. The reason label records what prompted the attempt.
func (r *Registry) CheckAndMigrateIfPendingUpgrade(ctx context.Context, newRoomID ref.RoomID, reason string) {
	r.mu.Lock()
	upgrade, ok := r.upgrades[newRoomID]
	if !ok || upgrade.migrating {
		r.mu.Unlock()
		return
	}
	upgrade.migrating = true
	predecessor := upgrade.predecessor
	r.mu.Unlock()

	logger := r.logger.With(
		"old_room_id", predecessor, "new_room_id", newRoomID, "reason", reason)

	requeue := func(explanation string, err error) {
		logger.Debug("room upgrade preconditions not met, staying pending",
			"explanation", explanation, "error", err)
		r.mu.Lock()
		upgrade.migrating = false
		r.mu.Unlock()
	}

	// Precondition: a serving bot has made it into the new room.
	present := r.bots.BotsInRoom(newRoomID)
	if len(present) == 0 {
		requeue("no bot joined to successor room", nil)
		return
	}
	bot := present[0]

	// Precondition: the bot can manage state in the new room.
	raw, err := bot.Session.GetStateEvent(ctx, newRoomID, schema.EventTypePowerLevels, "")
	if err != nil {
		requeue("power levels unavailable", err)
		return
	}
	var levels schema.PowerLevels
	if err := json.Unmarshal(raw, &levels); err != nil {
		requeue("power levels unreadable", err)
		return
	}
	if levels.UserLevel(bot.UserID.String()) < levels.DefaultStateLevel() {
		requeue("bot lacks state power in successor room", nil)
		return
	}

	// Precondition: the new room acknowledges the predecessor. Without
	// this, any room could claim to be the successor and inherit the
	// predecessor's connections.
	raw, err = bot.Session.GetStateEvent(ctx, newRoomID, schema.EventTypeCreate, "")
	if err != nil {
		requeue("creation event unavailable", err)
		return
	}
	var create schema.CreateContent
	if err := json.Unmarshal(raw, &create); err != nil {
		requeue("creation event unreadable", err)
		return
	}
	if create.Predecessor == nil || create.Predecessor.RoomID != predecessor {
		requeue("successor room does not declare the predecessor", nil)
		return
	}

	r.migrateRoom(ctx, predecessor, newRoomID, logger)

	r.mu.Lock()
	delete(r.upgrades, newRoomID)
	r.mu.Unlock()
	logger.Info("room upgrade migration complete")
}

// migrateRoom carries the predecessor's connections into the new
// room. Static connections stay where their configuration points;
// connections without migration support are dropped with a warning.
// The predecessor's list is cleared unconditionally afterward: the
// room is tombstoned and nothing routes to it again.
func (r *Registry) migrateRoom(ctx context.Context, oldRoomID, newRoomID ref.RoomID, logger *slog.Logger) {
	for _, conn := range r.AllForRoom(oldRoomID) {
		if conn.IsStatic() {
			logger.Warn("static connection not migrated",
				"connection_id", conn.ID(), "type", conn.StateType())
			continue
		}
		migrator, ok := conn.(connection.Migrator)
		if !ok {
			logger.Warn("connection does not support migration, dropping",
				"connection_id", conn.ID(), "type", conn.StateType())
			continue
		}
		oldID := conn.ID()
		if err := migrator.OnMigrate(ctx, newRoomID); err != nil {
			logger.Warn("connection migration failed, dropping",
				"connection_id", oldID, "type", conn.StateType(), "error", err)
			continue
		}
		// OnMigrate rebinds the connection, changing its derived ID.
		// Drop the old entry silently (the connection is not leaving the
		// bridge) and re-push to index it under the new room.
		r.mu.Lock()
		r.removeLocked(oldID)
		r.mu.Unlock()
		r.Push(migrator)
		logger.Info("connection migrated",
			"connection_id", migrator.ID(), "type", migrator.StateType())
	}

	r.RemoveConnectionsForRoom(oldRoomID)
}
