// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/internal/fakematrix"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

var (
	testRoom   = ref.MustParseRoomID("!room:example.org")
	testBot    = ref.MustParseUserID("@trestle:example.org")
	testSender = ref.MustParseUserID("@alice:example.org")
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAssertGrantedPersistedFact(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	session := homeserver.Session(testBot)
	checker := NewChecker(session, "github.repository", nil, discard())
	identity := connection.CompositeIdentity(map[string]string{"org": "octo", "repo": "kit"})

	if err := checker.Grant(context.Background(), testRoom, identity); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := checker.AssertGranted(context.Background(), testRoom, identity, testSender); err != nil {
		t.Fatalf("AssertGranted after Grant: %v", err)
	}

	// The persisted key is namespaced, hashed, and lowercased.
	wantKey := "io.trestle.grant/github.repository/" + identity.Hash()
	raw, ok := homeserver.AccountData(testBot.String(), testRoom, wantKey)
	if !ok {
		t.Fatalf("no account data at %q", wantKey)
	}
	var content struct {
		Granted bool `json:"granted"`
	}
	if err := json.Unmarshal(raw, &content); err != nil || !content.Granted {
		t.Errorf("grant content = %s (%v)", raw, err)
	}
}

func TestRevocationIsSticky(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	session := homeserver.Session(testBot)
	fallbackCalls := 0
	fallback := func(context.Context, ref.RoomID, connection.Identity, ref.UserID) (bool, error) {
		fallbackCalls++
		return true, nil
	}
	checker := NewChecker(session, "webhook", fallback, discard())
	identity := connection.StringIdentity("hook-1")
	ctx := context.Background()

	if err := checker.Grant(ctx, testRoom, identity); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := checker.Ungrant(ctx, testRoom, identity); err != nil {
		t.Fatalf("Ungrant: %v", err)
	}

	err := checker.AssertGranted(ctx, testRoom, identity, testSender)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.RoomID != testRoom || rejected.IdentityHash != identity.Hash() {
		t.Errorf("rejection details = %+v", rejected)
	}
	// The revoked fact short-circuits; the fallback must not run.
	if fallbackCalls != 0 {
		t.Errorf("fallback ran %d times for a revoked grant", fallbackCalls)
	}
}

func TestFallbackGrantsAndPersists(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	session := homeserver.Session(testBot)
	fallback := func(_ context.Context, _ ref.RoomID, _ connection.Identity, sender ref.UserID) (bool, error) {
		return sender == testSender, nil
	}
	checker := NewChecker(session, "github.repository", fallback, discard())
	identity := connection.CompositeIdentity(map[string]string{"org": "octo", "repo": "kit"})
	ctx := context.Background()

	if err := checker.AssertGranted(ctx, testRoom, identity, testSender); err != nil {
		t.Fatalf("AssertGranted via fallback: %v", err)
	}

	// The successful fallback persisted the fact; a second assert with
	// a sender the fallback would deny still passes.
	other := ref.MustParseUserID("@bob:example.org")
	if err := checker.AssertGranted(ctx, testRoom, identity, other); err != nil {
		t.Errorf("persisted grant should not re-run the fallback: %v", err)
	}
}

func TestFallbackDenialLeavesNoFact(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	session := homeserver.Session(testBot)
	fallback := func(context.Context, ref.RoomID, connection.Identity, ref.UserID) (bool, error) {
		return false, nil
	}
	checker := NewChecker(session, "github.repository", fallback, discard())
	identity := connection.StringIdentity("octo/kit")

	err := checker.AssertGranted(context.Background(), testRoom, identity, testSender)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}

	// Denial must not be persisted as granted=false; absence and
	// revocation stay distinguishable.
	key := "io.trestle.grant/github.repository/" + identity.Hash()
	if _, ok := homeserver.AccountData(testBot.String(), testRoom, key); ok {
		t.Error("fallback denial wrote a grant fact")
	}
}

func TestNoFallbackRejects(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	checker := NewChecker(homeserver.Session(testBot), "feed", nil, discard())

	err := checker.AssertGranted(context.Background(), testRoom, connection.StringIdentity("https://blog.example/feed.xml"), testSender)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Errorf("expected RejectedError, got %v", err)
	}
}

// erroringSession fails account data reads with a non-404 error.
type erroringSession struct {
	*fakematrix.Session
}

func (e *erroringSession) GetRoomAccountData(context.Context, ref.RoomID, string) (json.RawMessage, error) {
	return nil, &messaging.MatrixError{Code: messaging.ErrCodeUnknown, Message: "shard down", StatusCode: 502}
}

func TestUnexpectedLookupErrorFailsClosed(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	session := &erroringSession{homeserver.Session(testBot)}
	fallbackCalls := 0
	fallback := func(context.Context, ref.RoomID, connection.Identity, ref.UserID) (bool, error) {
		fallbackCalls++
		return true, nil
	}
	checker := NewChecker(session, "webhook", fallback, discard())

	err := checker.AssertGranted(context.Background(), testRoom, connection.StringIdentity("hook-1"), testSender)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if fallbackCalls != 0 {
		t.Error("fallback must not run on unexpected lookup errors")
	}
}

func TestFallbackErrorRejects(t *testing.T) {
	homeserver := fakematrix.NewHomeserver()
	fallback := func(context.Context, ref.RoomID, connection.Identity, ref.UserID) (bool, error) {
		return false, fmt.Errorf("forge unreachable")
	}
	checker := NewChecker(homeserver.Session(testBot), "github.repository", fallback, discard())

	err := checker.AssertGranted(context.Background(), testRoom, connection.StringIdentity("octo/kit"), testSender)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Errorf("expected RejectedError, got %v", err)
	}
}
