// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
)

var (
	oldRoom = ref.MustParseRoomID("!old:example.org")
	newRoom = ref.MustParseRoomID("!new:example.org")
)

func tombstoneFor(roomID ref.RoomID) schema.TombstoneContent {
	return schema.TombstoneContent{Body: "upgraded", ReplacementRoom: roomID}
}

// prepareSuccessor makes newRoom satisfy every migration precondition:
// the bot is joined with state power and the creation event declares
// the predecessor.
func prepareSuccessor(env *testEnv, predecessor ref.RoomID) {
	env.joinBot(newRoom)
	env.homeserver.AddStateEvent(newRoom, schema.EventTypePowerLevels, "", managerUser, map[string]any{
		"users":         map[string]any{botUser.String(): 100},
		"state_default": 50,
	})
	env.homeserver.AddStateEvent(newRoom, schema.EventTypeCreate, "", managerUser, map[string]any{
		"predecessor": map[string]any{"room_id": predecessor.String()},
	})
}

func TestOnTombstoneEventQueuesUpgrade(t *testing.T) {
	env := newTestEnv(t)
	env.joinBot(oldRoom)

	// The successor may not admit the bot yet; the join failure is
	// tolerated and the upgrade still queues.
	env.homeserver.FailJoins[newRoom] = true
	env.registry.OnTombstoneEvent(context.Background(), oldRoom, tombstoneFor(newRoom))

	if !env.registry.IsPendingUpgrade(newRoom) {
		t.Fatal("upgrade not queued")
	}
	session := env.homeserver.Session(botUser)
	if rooms, _ := session.JoinedRooms(context.Background()); len(rooms) != 1 {
		t.Errorf("bot joined rooms = %v, want only the old room", rooms)
	}

	// Once the successor admits joins, a repeated tombstone gets the
	// bot in without duplicating the queue entry.
	delete(env.homeserver.FailJoins, newRoom)
	env.registry.OnTombstoneEvent(context.Background(), oldRoom, tombstoneFor(newRoom))
	members, err := session.GetRoomMembers(context.Background(), newRoom)
	if err != nil || len(members) != 1 || members[0].UserID != botUser {
		t.Errorf("successor members = %v (err %v), want the bot joined", members, err)
	}
}

func TestOnTombstoneEventWithoutReplacementIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.joinBot(oldRoom)

	env.registry.OnTombstoneEvent(context.Background(), oldRoom, schema.TombstoneContent{Body: "dead end"})
	if env.registry.IsPendingUpgrade(ref.RoomID{}) || env.registry.IsPendingUpgrade(newRoom) {
		t.Error("tombstone without replacement queued an upgrade")
	}
}

func TestCheckAndMigratePreconditionsRequeue(t *testing.T) {
	env := newTestEnv(t)
	env.joinBot(oldRoom)
	env.registry.Push(&migratableConn{testConn: testConn{
		Base: connection.NewBase(oldRoom, dynamicType, "proj", -1, false),
	}})
	env.homeserver.FailJoins[newRoom] = true
	env.registry.OnTombstoneEvent(context.Background(), oldRoom, tombstoneFor(newRoom))

	ctx := context.Background()
	assertStillPending := func(step string) {
		t.Helper()
		if !env.registry.IsPendingUpgrade(newRoom) {
			t.Fatalf("%s: upgrade no longer pending", step)
		}
		if got := len(env.registry.AllForRoom(oldRoom)); got != 1 {
			t.Fatalf("%s: predecessor connections = %d, want untouched", step, got)
		}
	}

	// A room that is not a pending successor is a no-op.
	env.registry.CheckAndMigrateIfPendingUpgrade(ctx, oldRoom, "test")

	// No bot in the successor yet.
	env.registry.CheckAndMigrateIfPendingUpgrade(ctx, newRoom, "test")
	assertStillPending("no bot")

	// Bot joined but power levels are absent.
	delete(env.homeserver.FailJoins, newRoom)
	env.joinBot(newRoom)
	env.registry.CheckAndMigrateIfPendingUpgrade(ctx, newRoom, "test")
	assertStillPending("no power levels")

	// Bot lacks state power.
	env.homeserver.AddStateEvent(newRoom, schema.EventTypePowerLevels, "", managerUser, map[string]any{
		"users":         map[string]any{botUser.String(): 0},
		"state_default": 50,
	})
	env.registry.CheckAndMigrateIfPendingUpgrade(ctx, newRoom, "test")
	assertStillPending("insufficient power")

	// Power fixed, but the creation event does not declare the
	// predecessor, so any room could hijack the connections.
	env.homeserver.AddStateEvent(newRoom, schema.EventTypePowerLevels, "", managerUser, map[string]any{
		"users":         map[string]any{botUser.String(): 100},
		"state_default": 50,
	})
	env.homeserver.AddStateEvent(newRoom, schema.EventTypeCreate, "", managerUser, map[string]any{
		"predecessor": map[string]any{"room_id": "!unrelated:example.org"},
	})
	env.registry.CheckAndMigrateIfPendingUpgrade(ctx, newRoom, "test")
	assertStillPending("wrong predecessor")

	// With all preconditions met the migration completes.
	env.homeserver.AddStateEvent(newRoom, schema.EventTypeCreate, "", managerUser, map[string]any{
		"predecessor": map[string]any{"room_id": oldRoom.String()},
	})
	env.registry.CheckAndMigrateIfPendingUpgrade(ctx, newRoom, "test")
	if env.registry.IsPendingUpgrade(newRoom) {
		t.Fatal("upgrade still pending after all preconditions met")
	}
	if got := len(env.registry.AllForRoom(newRoom)); got != 1 {
		t.Errorf("successor connections = %d, want 1", got)
	}
}

func TestMigrationCarriesOnlyMigratableConnections(t *testing.T) {
	env := newTestEnv(t)
	env.joinBot(oldRoom)

	migratable := &migratableConn{testConn: testConn{
		Base: connection.NewBase(oldRoom, dynamicType, "follows", -1, false),
	}}
	plain := &testConn{
		Base: connection.NewBase(oldRoom, fixedType, "stays-behind", -1, false),
	}
	static := &migratableConn{testConn: testConn{
		Base: connection.NewBase(oldRoom, dynamicType, "pinned", -1, true),
	}}
	env.registry.Push(migratable, plain, static)

	env.homeserver.FailJoins[newRoom] = true
	env.registry.OnTombstoneEvent(context.Background(), oldRoom, tombstoneFor(newRoom))
	delete(env.homeserver.FailJoins, newRoom)
	prepareSuccessor(env, oldRoom)

	oldID := migratable.ID()
	env.registry.CheckAndMigrateIfPendingUpgrade(context.Background(), newRoom, "test")

	if env.registry.IsPendingUpgrade(newRoom) {
		t.Fatal("upgrade still pending")
	}
	// Only the migratable, non-static connection crossed over.
	carried := env.registry.AllForRoom(newRoom)
	if len(carried) != 1 {
		t.Fatalf("successor connections = %d, want 1", len(carried))
	}
	if carried[0].StateKey() != "follows" || carried[0].RoomID() != newRoom {
		t.Errorf("carried = %s in %s", carried[0].StateKey(), carried[0].RoomID())
	}
	if carried[0].ID() == oldID {
		t.Error("connection ID did not change with the room")
	}
	// The predecessor is cleared unconditionally, dropping the
	// connections that could not migrate.
	if env.registry.IsRoomConnected(oldRoom) {
		t.Error("predecessor still has connections")
	}
	if _, ok := env.registry.ByID(newRoom, carried[0].ID()); !ok {
		t.Error("migrated connection not indexed under its new ID")
	}
	// Rebinding the room changes the derived ID before the old entry is
	// dropped; the gauge must not count the connection twice.
	if got := env.registry.LiveConnectionCount(); got != 1 {
		t.Errorf("live count = %d, want 1", got)
	}
}

func TestMigrationIdempotentAgainstConcurrentTriggers(t *testing.T) {
	env := newTestEnv(t)
	env.joinBot(oldRoom)
	migratable := &migratableConn{testConn: testConn{
		Base: connection.NewBase(oldRoom, dynamicType, "follows", -1, false),
	}}
	env.registry.Push(migratable)

	env.registry.OnTombstoneEvent(context.Background(), oldRoom, tombstoneFor(newRoom))
	prepareSuccessor(env, oldRoom)

	// Every event in the successor room triggers a check; after the
	// first completes, the rest are no-ops.
	for i := 0; i < 3; i++ {
		env.registry.CheckAndMigrateIfPendingUpgrade(context.Background(), newRoom, "test")
	}
	if got := len(env.registry.AllForRoom(newRoom)); got != 1 {
		t.Errorf("successor connections = %d, want 1", got)
	}
}
