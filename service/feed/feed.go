// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package feed implements the feed connection: a room subscribed to an
// RSS/Atom feed URL. The polling loop itself lives outside the bridge;
// this package owns the binding and the seen-item bookkeeping that
// keeps redelivered feed entries from reposting.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/lib/schema"
	"github.com/trestle-bridge/trestle/messaging"
	"github.com/trestle-bridge/trestle/storage"
)

const (
	// StateType is the canonical governing state event type.
	StateType ref.EventType = "io.trestle.feed"

	// legacyStateType is honored when reading pre-rename state.
	legacyStateType ref.EventType = "org.trestle.feed"

	// ServiceCategory groups the declaration for permissioning and
	// enablement.
	ServiceCategory = "feed"
)

// State is the content of the governing state event.
type State struct {
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`

	Priority *int `json:"priority,omitempty"`
}

// Validate checks the state for the fields a working connection needs.
func (s *State) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("feed: connection state requires url")
	}
	parsed, err := url.Parse(s.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("feed: url must be an http(s) URL, got %q", s.URL)
	}
	return nil
}

// Connection binds a room to one feed URL.
type Connection struct {
	connection.Base

	session messaging.Session
	store   storage.Provider
	logger  *slog.Logger

	mu    sync.RWMutex
	state State
}

var (
	_ connection.FeedTarget   = (*Connection)(nil)
	_ connection.StateUpdater = (*Connection)(nil)
	_ connection.Remover      = (*Connection)(nil)
	_ connection.Migrator     = (*Connection)(nil)
)

// FeedURL returns the subscribed feed URL.
func (c *Connection) FeedURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.URL
}

// Label returns the operator-facing label, falling back to the URL.
func (c *Connection) Label() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Label != "" {
		return c.state.Label
	}
	return c.state.URL
}

// FilterNewItems returns the subset of guids not yet delivered for
// this feed, and records them as delivered. Deduplication is keyed by
// feed URL, so two rooms subscribed to the same feed share one seen
// set per store.
func (c *Connection) FilterNewItems(ctx context.Context, guids []string) ([]string, error) {
	feedURL := c.FeedURL()
	var fresh []string
	for _, guid := range guids {
		seen, err := c.store.HasSeenFeedGUID(ctx, feedURL, guid)
		if err != nil {
			return nil, fmt.Errorf("feed: checking guid for %s: %w", feedURL, err)
		}
		if !seen {
			fresh = append(fresh, guid)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if err := c.store.StoreFeedGUIDs(ctx, feedURL, fresh); err != nil {
		return nil, fmt.Errorf("feed: recording guids for %s: %w", feedURL, err)
	}
	return fresh, nil
}

// OnStateUpdate applies a replacement of the governing state event.
func (c *Connection) OnStateUpdate(_ context.Context, event messaging.Event) error {
	var state State
	if err := schema.DecodeContent(event.Content, &state); err != nil {
		return fmt.Errorf("feed: decoding updated state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return err
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

// OnRemove logs the unsubscription. Seen-item records stay in the
// store: re-adding the feed later must not replay old entries.
func (c *Connection) OnRemove(context.Context) error {
	c.logger.Info("feed unsubscribed", "room_id", c.RoomID(), "url", c.FeedURL())
	return nil
}

// OnMigrate rebinds the connection to the successor room and writes
// the governing state event there. The seen set is keyed by feed URL,
// so delivery history carries over untouched.
func (c *Connection) OnMigrate(ctx context.Context, newRoomID ref.RoomID) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if _, err := c.session.SendStateEvent(ctx, newRoomID, StateType, c.StateKey(), state); err != nil {
		return fmt.Errorf("feed: writing state to successor room %s: %w", newRoomID, err)
	}
	c.mu.Lock()
	c.Base = c.Base.WithRoom(newRoomID)
	c.mu.Unlock()
	return nil
}

// NewDeclaration builds the feed connection declaration. The store
// backs per-feed seen-item deduplication.
func NewDeclaration(store storage.Provider, logger *slog.Logger) (*connection.Declaration, error) {
	if store == nil {
		return nil, fmt.Errorf("feed: a storage provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &connection.Declaration{
		EventTypes:      []ref.EventType{StateType, legacyStateType},
		ServiceCategory: ServiceCategory,
		Create: func(_ context.Context, factoryContext connection.FactoryContext, roomID ref.RoomID, event messaging.Event, isStatic bool) (connection.Connection, error) {
			var state State
			if err := schema.DecodeContent(event.Content, &state); err != nil {
				return nil, fmt.Errorf("feed: decoding connection state: %w", err)
			}
			if err := state.Validate(); err != nil {
				return nil, err
			}
			return &Connection{
				Base:    connection.BaseFromEvent(roomID, event, isStatic),
				session: factoryContext.Session,
				store:   store,
				logger:  logger,
				state:   state,
			}, nil
		},
	}, nil
}
