// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"log/slog"

	"github.com/trestle-bridge/trestle/lib/config"
	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// restoreChainLimit bounds how many superseded versions TryRestoreState
// walks before giving up and redacting.
const restoreChainLimit = 5

// Authorizer decides whether a connection state write may stand, and
// repairs writes that may not.
type Authorizer struct {
	cfg         *config.Config
	permissions *config.PermissionSet
	logger      *slog.Logger
}

// NewAuthorizer builds an authorizer from the bridge config and its
// compiled permission set.
func NewAuthorizer(cfg *config.Config, permissions *config.PermissionSet, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{cfg: cfg, permissions: permissions, logger: logger}
}

// OnMembershipChange feeds a room membership change into the permission
// set, so room-based actors ("!ops:example.org" in the config) track
// the room's current members. Non-join, non-member states (leave, ban)
// all drop the user.
func (a *Authorizer) OnMembershipChange(roomID ref.RoomID, userID ref.UserID, membership string) {
	if membership == "join" {
		a.permissions.AddMemberToCache(roomID, userID)
		return
	}
	a.permissions.RemoveMemberFromCache(roomID, userID)
}

// CanManageConnections reports whether a user may create, mutate, or
// delete connections for a service category: the bridge's own
// namespaced users always may, otherwise the user must hold the
// manageConnections level.
func (a *Authorizer) CanManageConnections(userID ref.UserID, serviceCategory string) bool {
	if a.cfg.IsNamespacedUser(userID) {
		return true
	}
	return a.permissions.CheckAction(userID, serviceCategory, config.LevelManageConnections)
}

// IsStateAllowed reports whether a connection state write may stand,
// based on its sender. This governs the state write itself,
// independent of per-resource grants.
func (a *Authorizer) IsStateAllowed(event messaging.Event, serviceCategory string) bool {
	return a.CanManageConnections(event.Sender, serviceCategory)
}

// TryRestoreState repairs a disallowed state write. It walks the
// replaces_state chain up to restoreChainLimit hops looking for the
// most recent version whose sender was allowed; if found, that
// version's content is re-applied as current state. If the chain
// exhausts without an allowed version, the offending event is redacted
// instead.
//
// The repair is best-effort: every failure in this path is logged and
// swallowed, never surfaced to the caller.
func (a *Authorizer) TryRestoreState(ctx context.Context, session messaging.Session, roomID ref.RoomID, offender messaging.Event, serviceCategory string) {
	logger := a.logger.With("room_id", roomID, "event_id", offender.EventID, "type", offender.Type)

	current := offender
	for hop := 0; hop < restoreChainLimit; hop++ {
		if current.Unsigned == nil || current.Unsigned.ReplacesState.IsZero() {
			break
		}
		previous, err := session.GetEvent(ctx, roomID, current.Unsigned.ReplacesState)
		if err != nil {
			logger.Warn("state restore chain walk failed", "hop", hop, "error", err)
			break
		}
		if a.IsStateAllowed(*previous, serviceCategory) {
			_, err := session.SendStateEvent(ctx, roomID, offender.Type, offender.StateKeyString(), previous.Content)
			if err != nil {
				logger.Warn("re-applying allowed state version failed", "restored_from", previous.EventID, "error", err)
				return
			}
			logger.Info("restored previous allowed state version", "restored_from", previous.EventID)
			return
		}
		current = *previous
	}

	// No allowed version within reach; strip the offender.
	if _, err := session.RedactEvent(ctx, roomID, offender.EventID, "sender is not permitted to manage connections"); err != nil {
		logger.Warn("redacting disallowed state event failed", "error", err)
		return
	}
	logger.Info("redacted disallowed state event")
}
