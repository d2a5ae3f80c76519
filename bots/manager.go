// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package bots

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// Bot is one bridge bot identity with its authenticated session.
// ServiceCategory is empty for the default bot.
type Bot struct {
	UserID          ref.UserID
	Session         messaging.Session
	ServiceCategory string
}

// ErrNoBotInRoom is wrapped by BotInRoom when no serving bot is joined
// to a room. For the registry this is a per-room configuration error:
// reconciliation of that room stops, siblings continue.
var ErrNoBotInRoom = fmt.Errorf("no serving bot in room")

// Manager tracks bot identities and their room membership. Membership
// is fed from the sync loop via OnMembershipChange and seeded at
// startup via SeedJoinedRooms, so lookups never hit the network.
//
// Manager is safe for concurrent use: the sync loop writes while
// registry workers read.
type Manager struct {
	defaultBot  Bot
	serviceBots []Bot
	logger      *slog.Logger

	mu     sync.RWMutex
	joined map[ref.UserID]map[ref.RoomID]struct{}
}

// NewManager builds a manager from the configured bots. The default
// bot is required.
func NewManager(defaultBot Bot, serviceBots []Bot, logger *slog.Logger) (*Manager, error) {
	if defaultBot.UserID.IsZero() || defaultBot.Session == nil {
		return nil, fmt.Errorf("bots: default bot requires a user ID and session")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, bot := range serviceBots {
		if bot.ServiceCategory == "" {
			return nil, fmt.Errorf("bots: service bot %s has no category", bot.UserID)
		}
	}
	return &Manager{
		defaultBot:  defaultBot,
		serviceBots: serviceBots,
		logger:      logger,
		joined:      map[ref.UserID]map[ref.RoomID]struct{}{},
	}, nil
}

// DefaultBot returns the default bridge bot.
func (m *Manager) DefaultBot() Bot {
	return m.defaultBot
}

// All returns every bot, default first.
func (m *Manager) All() []Bot {
	bots := make([]Bot, 0, len(m.serviceBots)+1)
	bots = append(bots, m.defaultBot)
	bots = append(bots, m.serviceBots...)
	return bots
}

// IsBotUser reports whether a user ID is one of the bridge's bots.
func (m *Manager) IsBotUser(userID ref.UserID) bool {
	if userID == m.defaultBot.UserID {
		return true
	}
	for _, bot := range m.serviceBots {
		if userID == bot.UserID {
			return true
		}
	}
	return false
}

// SeedJoinedRooms populates the membership cache from each bot's
// joined-rooms list. Called once at startup before the sync loop runs.
func (m *Manager) SeedJoinedRooms(ctx context.Context) error {
	for _, bot := range m.All() {
		rooms, err := bot.Session.JoinedRooms(ctx)
		if err != nil {
			return fmt.Errorf("bots: seeding joined rooms for %s: %w", bot.UserID, err)
		}
		m.mu.Lock()
		set := map[ref.RoomID]struct{}{}
		for _, roomID := range rooms {
			set[roomID] = struct{}{}
		}
		m.joined[bot.UserID] = set
		m.mu.Unlock()
		m.logger.Debug("seeded bot membership", "bot", bot.UserID, "rooms", len(rooms))
	}
	return nil
}

// OnMembershipChange updates the cache for a bot's membership event.
// Non-bot users are ignored.
func (m *Manager) OnMembershipChange(roomID ref.RoomID, userID ref.UserID, membership string) {
	if !m.IsBotUser(userID) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.joined[userID]
	if !ok {
		set = map[ref.RoomID]struct{}{}
		m.joined[userID] = set
	}
	if membership == "join" {
		set[roomID] = struct{}{}
	} else {
		delete(set, roomID)
	}
}

// IsJoined reports whether a bot is joined to a room according to the
// cache.
func (m *Manager) IsJoined(userID ref.UserID, roomID ref.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.joined[userID][roomID]
	return ok
}

// BotsInRoom returns every bot joined to a room, default bot first.
func (m *Manager) BotsInRoom(roomID ref.RoomID) []Bot {
	var present []Bot
	for _, bot := range m.All() {
		if m.IsJoined(bot.UserID, roomID) {
			present = append(present, bot)
		}
	}
	return present
}

// BotInRoom resolves the bot serving a service category in a room: a
// joined category-specific bot wins, then the joined default bot.
// Wraps ErrNoBotInRoom when neither is present.
func (m *Manager) BotInRoom(roomID ref.RoomID, serviceCategory string) (Bot, error) {
	for _, bot := range m.serviceBots {
		if bot.ServiceCategory == serviceCategory && m.IsJoined(bot.UserID, roomID) {
			return bot, nil
		}
	}
	if m.IsJoined(m.defaultBot.UserID, roomID) {
		return m.defaultBot, nil
	}
	return Bot{}, fmt.Errorf("bots: category %q in %s: %w", serviceCategory, roomID, ErrNoBotInRoom)
}
