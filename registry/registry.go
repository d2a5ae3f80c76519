// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trestle-bridge/trestle/bots"
	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/grants"
	"github.com/trestle-bridge/trestle/lib/clock"
	"github.com/trestle-bridge/trestle/lib/config"
	"github.com/trestle-bridge/trestle/lib/ref"
)

// Observer is notified of registry list changes. Observers register
// at construction and must not block: callbacks run synchronously on
// the mutating goroutine.
type Observer interface {
	OnNewConnection(conn connection.Connection)
	OnConnectionRemoved(conn connection.Connection)
}

// Config holds the registry's collaborators.
type Config struct {
	Declarations *connection.DeclarationSet
	Bots         *bots.Manager
	Authorizer   *grants.Authorizer
	Bridge       *config.Config

	// Static connections instantiated during room reconciliation,
	// bypassing authorization.
	Static []config.StaticConnection

	// RetryBaseDelay is the backoff unit for room-state fetches.
	// Defaults to one second.
	RetryBaseDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry owns the live connection list.
type Registry struct {
	declarations *connection.DeclarationSet
	bots         *bots.Manager
	authorizer   *grants.Authorizer
	bridgeConfig *config.Config
	static       []config.StaticConnection

	retryBaseDelay time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	observers      []Observer

	mu          sync.Mutex
	started     bool
	connections []connection.Connection
	byID        map[connection.ID]connection.Connection

	// liveCount mirrors len(connections) for cheap observability
	// reads without taking the lock.
	liveCount atomic.Int64

	// upgrades tracks successor rooms awaiting migration, keyed by
	// the new room ID.
	upgrades map[ref.RoomID]*pendingUpgrade
}

// New builds a registry. Observers subscribe here; there is no
// registration after construction.
func New(cfg Config, observers ...Observer) (*Registry, error) {
	if cfg.Declarations == nil || cfg.Bots == nil || cfg.Authorizer == nil || cfg.Bridge == nil {
		return nil, fmt.Errorf("registry: Declarations, Bots, Authorizer, and Bridge are all required")
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		declarations:   cfg.Declarations,
		bots:           cfg.Bots,
		authorizer:     cfg.Authorizer,
		bridgeConfig:   cfg.Bridge,
		static:         cfg.Static,
		retryBaseDelay: cfg.RetryBaseDelay,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		observers:      observers,
		byID:           map[connection.ID]connection.Connection{},
		upgrades:       map[ref.RoomID]*pendingUpgrade{},
	}, nil
}

// Start marks the registry live. Mutations before Start or after Stop
// are rejected, which catches wiring mistakes during bridge startup.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// Stop marks the registry stopped and drops the live list.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	r.connections = nil
	r.byID = map[connection.ID]connection.Connection{}
	r.liveCount.Store(0)
}

// LiveConnectionCount returns the number of live connections.
func (r *Registry) LiveConnectionCount() int64 {
	return r.liveCount.Load()
}

// Push adds connections to the live list. A connection whose ID is
// already present is skipped, making Push safe against the
// create-race described in the package comment. Each genuinely new
// connection is announced to observers exactly once.
func (r *Registry) Push(conns ...connection.Connection) {
	var added []connection.Connection

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		r.logger.Warn("push on stopped registry dropped", "count", len(conns))
		return
	}
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		id := conn.ID()
		if _, exists := r.byID[id]; exists {
			continue
		}
		r.byID[id] = conn
		r.connections = append(r.connections, conn)
		added = append(added, conn)
	}
	r.liveCount.Store(int64(len(r.connections)))
	r.mu.Unlock()

	for _, conn := range added {
		r.logger.Info("connection added",
			"connection_id", conn.ID(),
			"room_id", conn.RoomID(),
			"type", conn.StateType(),
			"static", conn.IsStatic(),
		)
		for _, observer := range r.observers {
			observer.OnNewConnection(conn)
		}
	}
}

// removeLocked removes a connection from the list. Caller holds r.mu.
// The slice scan compares by identity, not by recomputing ID(): a
// migration rebinds the connection's room before removal, so the
// derived ID no longer matches the key it was indexed under.
func (r *Registry) removeLocked(id connection.ID) (connection.Connection, bool) {
	conn, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	for index, candidate := range r.connections {
		if candidate == conn {
			r.connections = append(r.connections[:index], r.connections[index+1:]...)
			break
		}
	}
	r.liveCount.Store(int64(len(r.connections)))
	return conn, true
}

func (r *Registry) notifyRemoved(conns ...connection.Connection) {
	for _, conn := range conns {
		r.logger.Info("connection removed",
			"connection_id", conn.ID(),
			"room_id", conn.RoomID(),
			"type", conn.StateType(),
		)
		for _, observer := range r.observers {
			observer.OnConnectionRemoved(conn)
		}
	}
}

// PurgeConnection removes one connection. When the connection supports
// removal, its OnRemove hook runs first (external cleanup, grant
// revocation); hook failures are logged but do not keep the connection
// in the list. With requireRemovalSupport set, a connection lacking
// the hook is left in place and an error is returned.
func (r *Registry) PurgeConnection(ctx context.Context, roomID ref.RoomID, id connection.ID, requireRemovalSupport bool) error {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if !ok || conn.RoomID() != roomID {
		r.mu.Unlock()
		return fmt.Errorf("registry: no connection %s in %s", id, roomID)
	}
	remover, supportsRemoval := conn.(connection.Remover)
	if requireRemovalSupport && !supportsRemoval {
		r.mu.Unlock()
		return fmt.Errorf("registry: connection %s does not support removal", id)
	}
	r.removeLocked(id)
	r.mu.Unlock()

	if supportsRemoval {
		if err := remover.OnRemove(ctx); err != nil {
			r.logger.Warn("connection removal hook failed",
				"connection_id", id, "room_id", roomID, "error", err)
		}
	}
	r.notifyRemoved(conn)
	return nil
}

// RemoveConnectionsForRoom drops every connection in a room without
// running removal hooks. Used when the bot leaves a room and at the
// end of a room upgrade migration.
func (r *Registry) RemoveConnectionsForRoom(roomID ref.RoomID) {
	r.mu.Lock()
	var removed []connection.Connection
	kept := r.connections[:0]
	for _, conn := range r.connections {
		if conn.RoomID() == roomID {
			delete(r.byID, conn.ID())
			removed = append(removed, conn)
		} else {
			kept = append(kept, conn)
		}
	}
	r.connections = kept
	r.liveCount.Store(int64(len(r.connections)))
	r.mu.Unlock()

	r.notifyRemoved(removed...)
}

// ByID returns the connection with the given ID in a room.
func (r *Registry) ByID(roomID ref.RoomID, id connection.ID) (connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok || conn.RoomID() != roomID {
		return nil, false
	}
	return conn, true
}

// IsRoomConnected reports whether a room has any live connection.
func (r *Registry) IsRoomConnected(roomID ref.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.connections {
		if conn.RoomID() == roomID {
			return true
		}
	}
	return false
}

// AllForRoom returns a room's connections sorted by descending
// priority. Order is stable for equal priorities.
func (r *Registry) AllForRoom(roomID ref.RoomID) []connection.Connection {
	r.mu.Lock()
	var matched []connection.Connection
	for _, conn := range r.connections {
		if conn.RoomID() == roomID {
			matched = append(matched, conn)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() > matched[j].Priority()
	})
	return matched
}

// ForGitHubRepo returns connections bound to a repository. Owner and
// name match case-insensitively, as the forge treats them.
func (r *Registry) ForGitHubRepo(owner, name string) []connection.Connection {
	return r.filter(func(conn connection.Connection) bool {
		target, ok := conn.(connection.RepoTarget)
		if !ok {
			return false
		}
		gotOwner, gotName := target.Repo()
		return strings.EqualFold(gotOwner, owner) && strings.EqualFold(gotName, name)
	})
}

// ForGitHubIssue returns connections routing a specific issue.
func (r *Registry) ForGitHubIssue(owner, name string, number int) []connection.Connection {
	return r.filter(func(conn connection.Connection) bool {
		target, ok := conn.(connection.RepoTarget)
		if !ok {
			return false
		}
		gotOwner, gotName := target.Repo()
		return strings.EqualFold(gotOwner, owner) &&
			strings.EqualFold(gotName, name) &&
			target.HandlesIssue(number)
	})
}

// ForWebhookID returns connections bound to an inbound webhook ID.
func (r *Registry) ForWebhookID(hookID string) []connection.Connection {
	return r.filter(func(conn connection.Connection) bool {
		target, ok := conn.(connection.WebhookTarget)
		return ok && target.HookID() == hookID
	})
}

// ForFeedURL returns connections bound to a feed URL.
func (r *Registry) ForFeedURL(url string) []connection.Connection {
	return r.filter(func(conn connection.Connection) bool {
		target, ok := conn.(connection.FeedTarget)
		return ok && target.FeedURL() == url
	})
}

// InterestedInStateEvent returns the connections governed by a state
// event, used to route state updates back to OnStateUpdate.
func (r *Registry) InterestedInStateEvent(roomID ref.RoomID, eventType ref.EventType, stateKey string) []connection.Connection {
	return r.filter(func(conn connection.Connection) bool {
		return conn.RoomID() == roomID &&
			conn.StateType() == eventType &&
			conn.StateKey() == stateKey
	})
}

func (r *Registry) filter(predicate func(connection.Connection) bool) []connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []connection.Connection
	for _, conn := range r.connections {
		if predicate(conn) {
			matched = append(matched, conn)
		}
	}
	return matched
}

// PrefixConflictError reports a command prefix already claimed by
// another connection in the room.
type PrefixConflictError struct {
	Prefix       string
	ConnectionID connection.ID
	StateType    ref.EventType
	StateKey     string
}

func (e *PrefixConflictError) Error() string {
	return fmt.Sprintf("registry: command prefix %q already claimed by %s (%s, state key %q)",
		e.Prefix, e.ConnectionID, e.StateType, e.StateKey)
}

// ValidateCommandPrefix rejects a prefix already claimed by a
// different connection in the room. Pass the connection's own ID in
// excluding when re-validating an update, or the zero ID for a new
// connection. The check is deterministic and never retried.
func (r *Registry) ValidateCommandPrefix(roomID ref.RoomID, prefix string, excluding connection.ID) error {
	if prefix == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.connections {
		if conn.RoomID() != roomID || conn.ID() == excluding {
			continue
		}
		claimer, ok := conn.(connection.PrefixClaimer)
		if !ok || claimer.CommandPrefix() != prefix {
			continue
		}
		return &PrefixConflictError{
			Prefix:       prefix,
			ConnectionID: conn.ID(),
			StateType:    conn.StateType(),
			StateKey:     conn.StateKey(),
		}
	}
	return nil
}
