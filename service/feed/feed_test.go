// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/internal/fakematrix"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
	"github.com/trestle-bridge/trestle/storage"
)

var (
	botUser  = ref.MustParseUserID("@trestle:example.org")
	testRoom = ref.MustParseRoomID("!room:example.org")
)

func newTestConnection(t *testing.T, feedURL string) (*Connection, *fakematrix.Homeserver) {
	t.Helper()
	homeserver := fakematrix.NewHomeserver()
	session := homeserver.Session(botUser)
	declaration, err := NewDeclaration(storage.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDeclaration: %v", err)
	}

	key := feedURL
	event := messaging.Event{
		Type:     StateType,
		Sender:   botUser,
		StateKey: &key,
		Content:  map[string]any{"url": feedURL, "label": "releases"},
		RoomID:   testRoom,
	}
	conn, err := declaration.Create(context.Background(),
		connection.FactoryContext{Session: session, BotUserID: botUser}, testRoom, event, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return conn.(*Connection), homeserver
}

func TestCreateFromState(t *testing.T) {
	conn, _ := newTestConnection(t, "https://example.org/feed.xml")
	if conn.FeedURL() != "https://example.org/feed.xml" {
		t.Errorf("FeedURL = %q", conn.FeedURL())
	}
	if conn.Label() != "releases" {
		t.Errorf("Label = %q", conn.Label())
	}
}

func TestCreateRejectsBadURL(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	declaration, err := NewDeclaration(storage.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDeclaration: %v", err)
	}
	for _, badURL := range []string{"", "ftp://example.org/feed", "not a url at all\x00"} {
		key := "bad"
		event := messaging.Event{
			Type:     StateType,
			Sender:   botUser,
			StateKey: &key,
			Content:  map[string]any{"url": badURL},
			RoomID:   testRoom,
		}
		if _, err := declaration.Create(context.Background(),
			connection.FactoryContext{Session: homeserver.Session(botUser), BotUserID: botUser}, testRoom, event, false); err == nil {
			t.Errorf("url %q accepted", badURL)
		}
	}
}

func TestFilterNewItems(t *testing.T) {
	conn, _ := newTestConnection(t, "https://example.org/feed.xml")
	ctx := context.Background()

	fresh, err := conn.FilterNewItems(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("FilterNewItems: %v", err)
	}
	if len(fresh) != 3 {
		t.Fatalf("fresh = %v, want all three on first sight", fresh)
	}

	// Redelivery of a mixed batch yields only the unseen entry.
	fresh, err = conn.FilterNewItems(ctx, []string{"b", "c", "d"})
	if err != nil {
		t.Fatalf("FilterNewItems: %v", err)
	}
	if len(fresh) != 1 || fresh[0] != "d" {
		t.Errorf("fresh = %v, want [d]", fresh)
	}

	// A fully seen batch records nothing and returns nothing.
	fresh, err = conn.FilterNewItems(ctx, []string{"a", "d"})
	if err != nil {
		t.Fatalf("FilterNewItems: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("fresh = %v, want none", fresh)
	}
}

func TestOnMigrateCarriesBindingNotHistory(t *testing.T) {
	conn, homeserver := newTestConnection(t, "https://example.org/feed.xml")
	ctx := context.Background()

	if _, err := conn.FilterNewItems(ctx, []string{"a"}); err != nil {
		t.Fatalf("FilterNewItems: %v", err)
	}

	successor := ref.MustParseRoomID("!new:example.org")
	if err := conn.OnMigrate(ctx, successor); err != nil {
		t.Fatalf("OnMigrate: %v", err)
	}
	if conn.RoomID() != successor {
		t.Errorf("room = %s", conn.RoomID())
	}
	if _, ok := homeserver.StateEvent(successor, StateType, conn.StateKey()); !ok {
		t.Error("state not written to successor room")
	}

	// Items delivered before the upgrade stay deduplicated.
	fresh, err := conn.FilterNewItems(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("FilterNewItems: %v", err)
	}
	if len(fresh) != 1 || fresh[0] != "b" {
		t.Errorf("fresh after migrate = %v, want [b]", fresh)
	}
}

func TestOnStateUpdate(t *testing.T) {
	conn, _ := newTestConnection(t, "https://example.org/feed.xml")

	key := conn.StateKey()
	update := messaging.Event{
		Type:     StateType,
		Sender:   botUser,
		StateKey: &key,
		Content:  map[string]any{"url": "https://example.org/v2.xml", "priority": float64(2)},
		RoomID:   testRoom,
	}
	if err := conn.OnStateUpdate(context.Background(), update); err != nil {
		t.Fatalf("OnStateUpdate: %v", err)
	}
	if conn.FeedURL() != "https://example.org/v2.xml" {
		t.Errorf("url = %q", conn.FeedURL())
	}
	if conn.Label() != "https://example.org/v2.xml" {
		t.Errorf("label fallback = %q", conn.Label())
	}
	if conn.Priority() != 2 {
		t.Errorf("priority = %d", conn.Priority())
	}
}
