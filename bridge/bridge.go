// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trestle-bridge/trestle/bots"
	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/grants"
	"github.com/trestle-bridge/trestle/lib/clock"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
	"github.com/trestle-bridge/trestle/registry"
	"github.com/trestle-bridge/trestle/storage"
)

// eventTypeMessage is the timeline event type carrying chat commands.
const eventTypeMessage ref.EventType = "m.room.message"

const (
	// defaultSyncTimeout is the /sync long-poll timeout.
	defaultSyncTimeout = 30 * time.Second

	// syncBackoffBase and syncBackoffCap bound the delay before
	// retrying a failed sync.
	syncBackoffBase = time.Second
	syncBackoffCap  = 30 * time.Second
)

// Config holds the bridge's collaborators.
type Config struct {
	Registry   *registry.Registry
	Bots       *bots.Manager
	Authorizer *grants.Authorizer
	Store      storage.Provider

	// SyncTimeout overrides the /sync long-poll timeout. Defaults to
	// thirty seconds.
	SyncTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Bridge drives the registry from the homeserver's event stream. The
// default bot's session is the one that syncs; other bots' membership
// is observed through the rooms it shares with them.
type Bridge struct {
	registry   *registry.Registry
	bots       *bots.Manager
	authorizer *grants.Authorizer
	store      storage.Provider

	syncTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Registry == nil || cfg.Bots == nil || cfg.Authorizer == nil || cfg.Store == nil {
		return nil, fmt.Errorf("bridge: Registry, Bots, Authorizer, and Store are all required")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		registry:    cfg.Registry,
		bots:        cfg.Bots,
		authorizer:  cfg.Authorizer,
		store:       cfg.Store,
		syncTimeout: cfg.SyncTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Start brings the bridge up: it starts the registry, seeds bot room
// membership, reconciles every room the default bot is joined to, and
// begins the sync loop in a background goroutine. It returns once
// startup reconciliation is complete; the bridge then runs until Stop
// is called or the context is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.registry.Start()

	if err := b.bots.SeedJoinedRooms(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	session := b.bots.DefaultBot().Session
	rooms, err := session.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listing joined rooms: %w", err)
	}
	b.registry.ReconcileRooms(ctx, rooms)
	b.logger.Info("startup reconciliation complete",
		"rooms", len(rooms),
		"connections", b.registry.LiveConnectionCount(),
	)

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.syncLoop(ctx, session)
	}()
	return nil
}

// Stop shuts the sync loop down, waits for it to exit, and stops the
// registry.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
	b.registry.Stop()
}

// Wait blocks until the sync loop has exited.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// syncLoop long-polls /sync until the context is cancelled. Failed
// syncs back off exponentially; the since-token only advances after a
// response is fully processed, so a crash replays the batch (the
// seen-event record makes the replay harmless).
func (b *Bridge) syncLoop(ctx context.Context, session messaging.Session) {
	since := ""
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		response, err := session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    int(b.syncTimeout / time.Millisecond),
			SetTimeout: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := syncBackoff(failures)
			failures++
			b.logger.Warn("sync failed", "error", err, "retry_in", delay)
			select {
			case <-b.clock.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0
		b.processSync(ctx, response)
		since = response.NextBatch
	}
}

// syncBackoff returns the delay before sync attempt failures+1.
func syncBackoff(failures int) time.Duration {
	if failures > 5 {
		return syncBackoffCap
	}
	delay := syncBackoffBase << failures
	if delay > syncBackoffCap {
		return syncBackoffCap
	}
	return delay
}

func (b *Bridge) processSync(ctx context.Context, response *messaging.SyncResponse) {
	for roomID := range response.Rooms.Invite {
		b.acceptInvite(ctx, roomID)
	}

	for roomID, room := range response.Rooms.Join {
		for _, event := range room.State.Events {
			b.handleEvent(ctx, roomID, event)
		}
		for _, event := range room.Timeline.Events {
			b.handleEvent(ctx, roomID, event)
		}
		// Any activity in a successor room is a chance for a queued
		// upgrade to complete.
		if b.registry.IsPendingUpgrade(roomID) {
			b.registry.CheckAndMigrateIfPendingUpgrade(ctx, roomID, "sync activity")
		}
	}

	for roomID := range response.Rooms.Leave {
		b.bots.OnMembershipChange(roomID, b.bots.DefaultBot().UserID, "leave")
		if len(b.bots.BotsInRoom(roomID)) == 0 {
			b.registry.RemoveConnectionsForRoom(roomID)
		}
	}
}

// acceptInvite joins the default bot to a room it was invited to and
// builds the room's connections.
func (b *Bridge) acceptInvite(ctx context.Context, roomID ref.RoomID) {
	bot := b.bots.DefaultBot()
	if _, err := bot.Session.JoinRoom(ctx, roomID); err != nil {
		b.logger.Warn("could not accept invite", "room_id", roomID, "error", err)
		return
	}
	b.logger.Info("joined room on invite", "room_id", roomID)
	b.bots.OnMembershipChange(roomID, bot.UserID, "join")
	b.resyncRoom(ctx, roomID)
}

// handleEvent routes one sync event. Events carrying an ID are
// deduplicated against the durable store so a replayed batch does not
// act twice.
func (b *Bridge) handleEvent(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	if !event.EventID.IsZero() {
		seen, err := b.store.WasEventSeen(ctx, roomID, event.EventID.String())
		if err != nil {
			b.logger.Warn("seen-event lookup failed",
				"room_id", roomID, "event_id", event.EventID, "error", err)
		} else if seen {
			return
		}
	}

	switch {
	case event.IsState():
		b.handleStateEvent(ctx, roomID, event)
	case event.Type == eventTypeMessage:
		b.dispatchMessage(ctx, roomID, event)
	}

	if !event.EventID.IsZero() {
		if err := b.store.MarkEventSeen(ctx, roomID, event.EventID.String()); err != nil {
			b.logger.Warn("recording handled event failed",
				"room_id", roomID, "event_id", event.EventID, "error", err)
		}
	}
}

func (b *Bridge) handleStateEvent(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	switch event.Type {
	case schema.EventTypeMember:
		b.handleMemberEvent(ctx, roomID, event)
	case schema.EventTypeTombstone:
		var tombstone schema.TombstoneContent
		if err := schema.DecodeContent(event.Content, &tombstone); err != nil {
			b.logger.Warn("unreadable tombstone", "room_id", roomID, "error", err)
			return
		}
		b.registry.OnTombstoneEvent(ctx, roomID, tombstone)
	default:
		if err := b.registry.HandleStateChange(ctx, roomID, event, true); err != nil {
			b.logger.Warn("state change not applied",
				"room_id", roomID, "type", event.Type, "error", err)
		}
	}
	b.updateRoomSnapshot(ctx, roomID, event)
}

// handleMemberEvent feeds the membership cache. A bot joining a room
// triggers a full resync of it; the last bot leaving drops the room's
// connections.
func (b *Bridge) handleMemberEvent(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	userID, err := ref.ParseUserID(event.StateKeyString())
	if err != nil {
		return
	}
	membership, _ := event.Content["membership"].(string)
	b.bots.OnMembershipChange(roomID, userID, membership)
	b.authorizer.OnMembershipChange(roomID, userID, membership)
	if !b.bots.IsBotUser(userID) {
		return
	}
	if membership == "join" {
		b.resyncRoom(ctx, roomID)
		return
	}
	if len(b.bots.BotsInRoom(roomID)) == 0 {
		b.registry.RemoveConnectionsForRoom(roomID)
	}
}

// dispatchMessage offers a chat message to the room's connections in
// priority order until one consumes it. Messages from the bridge's own
// bots are ignored.
func (b *Bridge) dispatchMessage(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	if b.bots.IsBotUser(event.Sender) {
		return
	}
	for _, conn := range b.registry.AllForRoom(roomID) {
		handler, ok := conn.(connection.MessageHandler)
		if !ok {
			continue
		}
		handled, err := handler.OnMessage(ctx, event)
		if err != nil {
			b.logger.Warn("message handler failed",
				"connection_id", conn.ID(), "room_id", roomID, "error", err)
			continue
		}
		if handled {
			return
		}
	}
}

// resyncRoom rebuilds a room's connections from live state, falling
// back to the cached snapshot when the fetch fails.
func (b *Bridge) resyncRoom(ctx context.Context, roomID ref.RoomID) {
	err := b.registry.CreateConnectionsForRoomID(ctx, roomID, true)
	if err == nil {
		return
	}
	if errors.Is(err, bots.ErrNoBotInRoom) {
		b.logger.Debug("room has no serving bot, skipping resync", "room_id", roomID)
		return
	}
	b.logger.Warn("live resync failed, trying cached snapshot",
		"room_id", roomID, "error", err)

	events, ok, snapshotErr := b.store.RoomSnapshot(ctx, roomID)
	if snapshotErr != nil || !ok {
		b.logger.Warn("no usable room snapshot", "room_id", roomID, "error", snapshotErr)
		return
	}
	for _, event := range events {
		// The snapshot was current when written; disallowed writes were
		// already repaired then, so no rollback from here.
		conn, createErr := b.registry.CreateConnectionForState(ctx, roomID, event, false, false)
		if createErr != nil {
			b.logger.Warn("snapshot resync stopped", "room_id", roomID, "error", createErr)
			return
		}
		if conn != nil {
			b.registry.Push(conn)
		}
	}
	b.logger.Info("room resynced from snapshot", "room_id", roomID, "events", len(events))
}

// updateRoomSnapshot folds one state event into the room's cached
// snapshot. Failures are logged and swallowed: the snapshot is a
// resync optimization, not a source of truth.
func (b *Bridge) updateRoomSnapshot(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	events, _, err := b.store.RoomSnapshot(ctx, roomID)
	if err != nil {
		b.logger.Warn("room snapshot read failed", "room_id", roomID, "error", err)
		return
	}
	replaced := false
	for index := range events {
		if events[index].Type == event.Type && events[index].StateKeyString() == event.StateKeyString() {
			events[index] = event
			replaced = true
			break
		}
	}
	if !replaced {
		events = append(events, event)
	}
	if err := b.store.SetRoomSnapshot(ctx, roomID, events); err != nil {
		b.logger.Warn("room snapshot write failed", "room_id", roomID, "error", err)
	}
}
