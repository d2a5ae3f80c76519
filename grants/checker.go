// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// accountDataPrefix namespaces grant entries in room account data.
const accountDataPrefix = "io.trestle.grant"

// RejectedError reports that a connection identity is not granted in a
// room.
type RejectedError struct {
	RoomID       ref.RoomID
	IdentityHash string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("grants: connection %s not granted in %s", e.IdentityHash, e.RoomID)
}

// FallbackFunc decides a grant for an identity with no persisted fact,
// typically by probing the external service for the sender's current
// access. It may perform network calls.
type FallbackFunc func(ctx context.Context, roomID ref.RoomID, identity connection.Identity, sender ref.UserID) (bool, error)

// grantContent is the account data payload.
type grantContent struct {
	Granted bool `json:"granted"`
}

// Checker persists and checks grants for one grant type (usually one
// connection class). The session must be the bot whose account data
// holds the grants; all checkers for a bridge share one bot so grants
// written by one are visible to the rest.
type Checker struct {
	session   messaging.Session
	grantType string
	fallback  FallbackFunc
	logger    *slog.Logger
}

// NewChecker builds a checker. fallback may be nil, in which case
// identities without a persisted fact are rejected outright.
func NewChecker(session messaging.Session, grantType string, fallback FallbackFunc, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		session:   session,
		grantType: grantType,
		fallback:  fallback,
		logger:    logger.With("grant_type", grantType),
	}
}

func (c *Checker) key(identityHash string) string {
	return strings.ToLower(accountDataPrefix + "/" + c.grantType + "/" + identityHash)
}

// AssertGranted verifies a grant exists for the identity in the room.
//
//   - A persisted granted=true succeeds.
//   - A persisted granted=false rejects: revocation is sticky.
//   - An absent fact runs the fallback check; success persists
//     granted=true and proceeds, failure rejects without writing
//     anything (absence stays distinguishable from revocation).
//   - Any other lookup error rejects (fail closed).
//
// Idempotent: repeated calls for a granted identity only read.
func (c *Checker) AssertGranted(ctx context.Context, roomID ref.RoomID, identity connection.Identity, sender ref.UserID) error {
	identityHash := identity.Hash()
	rejected := &RejectedError{RoomID: roomID, IdentityHash: identityHash}

	raw, err := c.session.GetRoomAccountData(ctx, roomID, c.key(identityHash))
	switch {
	case err == nil:
		var content grantContent
		if err := json.Unmarshal(raw, &content); err != nil {
			c.logger.Warn("unreadable grant content, rejecting",
				"room_id", roomID, "identity", identityHash, "error", err)
			return rejected
		}
		if !content.Granted {
			return rejected
		}
		return nil

	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		if c.fallback == nil {
			return rejected
		}
		allowed, fallbackErr := c.fallback(ctx, roomID, identity, sender)
		if fallbackErr != nil {
			c.logger.Warn("grant fallback check failed, rejecting",
				"room_id", roomID, "identity", identityHash, "sender", sender, "error", fallbackErr)
			return rejected
		}
		if !allowed {
			return rejected
		}
		if err := c.Grant(ctx, roomID, identity); err != nil {
			c.logger.Warn("persisting fallback grant failed, rejecting",
				"room_id", roomID, "identity", identityHash, "error", err)
			return rejected
		}
		return nil

	default:
		// Fail closed on anything unexpected.
		c.logger.Warn("grant lookup failed, rejecting",
			"room_id", roomID, "identity", identityHash, "error", err)
		return rejected
	}
}

// Grant persists granted=true for the identity in the room.
func (c *Checker) Grant(ctx context.Context, roomID ref.RoomID, identity connection.Identity) error {
	identityHash := identity.Hash()
	c.logger.Info("granting connection", "room_id", roomID, "identity", identityHash)
	if err := c.session.SetRoomAccountData(ctx, roomID, c.key(identityHash), grantContent{Granted: true}); err != nil {
		return fmt.Errorf("grants: granting %s in %s: %w", identityHash, roomID, err)
	}
	return nil
}

// Ungrant persists granted=false. The fact is flipped, not deleted, so
// a later fallback check cannot silently resurrect the grant.
func (c *Checker) Ungrant(ctx context.Context, roomID ref.RoomID, identity connection.Identity) error {
	identityHash := identity.Hash()
	c.logger.Info("revoking connection grant", "room_id", roomID, "identity", identityHash)
	if err := c.session.SetRoomAccountData(ctx, roomID, c.key(identityHash), grantContent{Granted: false}); err != nil {
		return fmt.Errorf("grants: revoking %s in %s: %w", identityHash, roomID, err)
	}
	return nil
}
