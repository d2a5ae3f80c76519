// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

// Package fakematrix provides an in-memory messaging.Session for
// engine tests. It models just enough of a homeserver to exercise the
// registry, grant, and upgrade paths: per-room state with
// replaces_state chains, room account data, membership, redactions,
// and joins.
//
// A single Homeserver is shared between fake sessions so tests can
// observe one bot's writes through another bot's reads.
package fakematrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/trestle-bridge/trestle/lib/ref"
	"github.com/trestle-bridge/trestle/messaging"
)

// Homeserver is the shared in-memory room store.
type Homeserver struct {
	mu sync.Mutex

	rooms map[ref.RoomID]*room

	// eventsByID indexes every stored event for GetEvent lookups.
	eventsByID map[ref.EventID]*storedEvent

	// accountData is keyed by user, then room, then entry key.
	accountData map[string]map[ref.RoomID]map[string]json.RawMessage

	// Redacted collects redacted event IDs in order.
	Redacted []ref.EventID

	// FailJoins makes JoinRoom fail for the listed rooms, simulating
	// an unreachable successor room.
	FailJoins map[ref.RoomID]bool

	eventCounter int
}

type room struct {
	// state is keyed by event type, then state key, holding the
	// current version. Superseded versions stay in eventsByID.
	state   map[ref.EventType]map[string]*storedEvent
	members map[ref.UserID]string
}

type storedEvent struct {
	event    messaging.Event
	roomID   ref.RoomID
	redacted bool
}

// NewHomeserver creates an empty fake homeserver.
func NewHomeserver() *Homeserver {
	return &Homeserver{
		rooms:       map[ref.RoomID]*room{},
		eventsByID:  map[ref.EventID]*storedEvent{},
		accountData: map[string]map[ref.RoomID]map[string]json.RawMessage{},
		FailJoins:   map[ref.RoomID]bool{},
	}
}

func (h *Homeserver) roomLocked(roomID ref.RoomID) *room {
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{
			state:   map[ref.EventType]map[string]*storedEvent{},
			members: map[ref.UserID]string{},
		}
		h.rooms[roomID] = r
	}
	return r
}

func (h *Homeserver) nextEventID() ref.EventID {
	h.eventCounter++
	return ref.MustParseEventID(fmt.Sprintf("$fake-%d", h.eventCounter))
}

// AddStateEvent installs a state event as the current version for its
// (type, state key) pair, linking replaces_state to any previous
// version. Returns the event ID.
func (h *Homeserver) AddStateEvent(roomID ref.RoomID, eventType ref.EventType, stateKey string, sender ref.UserID, content map[string]any) ref.EventID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addStateLocked(roomID, eventType, stateKey, sender, content)
}

func (h *Homeserver) addStateLocked(roomID ref.RoomID, eventType ref.EventType, stateKey string, sender ref.UserID, content map[string]any) ref.EventID {
	r := h.roomLocked(roomID)
	byKey, ok := r.state[eventType]
	if !ok {
		byKey = map[string]*storedEvent{}
		r.state[eventType] = byKey
	}

	eventID := h.nextEventID()
	key := stateKey
	event := messaging.Event{
		EventID:  eventID,
		Type:     eventType,
		Sender:   sender,
		StateKey: &key,
		Content:  content,
		RoomID:   roomID,
	}
	if previous, ok := byKey[stateKey]; ok {
		event.Unsigned = &messaging.EventUnsigned{ReplacesState: previous.event.EventID}
	}

	stored := &storedEvent{event: event, roomID: roomID}
	byKey[stateKey] = stored
	h.eventsByID[eventID] = stored
	return eventID
}

// SetMember sets a user's membership in a room ("join", "leave", ...).
func (h *Homeserver) SetMember(roomID ref.RoomID, userID ref.UserID, membership string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomLocked(roomID).members[userID] = membership
}

// StateEvent returns the current state event for a (type, key) pair.
func (h *Homeserver) StateEvent(roomID ref.RoomID, eventType ref.EventType, stateKey string) (messaging.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return messaging.Event{}, false
	}
	stored, ok := r.state[eventType][stateKey]
	if !ok {
		return messaging.Event{}, false
	}
	return stored.event, true
}

// AccountData returns a user's room account data entry.
func (h *Homeserver) AccountData(userID string, roomID ref.RoomID, key string) (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	raw, ok := h.accountData[userID][roomID][key]
	return raw, ok
}

// Session creates a fake session acting as the given user.
func (h *Homeserver) Session(userID ref.UserID) *Session {
	return &Session{homeserver: h, userID: userID}
}

// Session is an in-memory messaging.Session bound to one user.
type Session struct {
	homeserver *Homeserver
	userID     ref.UserID

	// StateErrors makes GetRoomState fail for the listed rooms.
	StateErrors map[ref.RoomID]error
}

var _ messaging.Session = (*Session)(nil)

func notFound(message string) *messaging.MatrixError {
	return &messaging.MatrixError{
		Code:       messaging.ErrCodeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func (s *Session) UserID() string { return s.userID.String() }

func (s *Session) WhoAmI(context.Context) (ref.UserID, error) {
	return s.userID, nil
}

func (s *Session) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailJoins[roomID] {
		return ref.RoomID{}, &messaging.MatrixError{
			Code:       messaging.ErrCodeForbidden,
			Message:    "not invited",
			StatusCode: http.StatusForbidden,
		}
	}
	h.roomLocked(roomID).members[s.userID] = "join"
	return roomID, nil
}

func (s *Session) JoinedRooms(context.Context) ([]ref.RoomID, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	var joined []ref.RoomID
	for roomID, r := range h.rooms {
		if r.members[s.userID] == "join" {
			joined = append(joined, roomID)
		}
	}
	return joined, nil
}

func (s *Session) GetRoomState(_ context.Context, roomID ref.RoomID) ([]messaging.Event, error) {
	if err := s.StateErrors[roomID]; err != nil {
		return nil, err
	}
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, notFound("unknown room")
	}
	var events []messaging.Event
	for _, byKey := range r.state {
		for _, stored := range byKey {
			events = append(events, stored.event)
		}
	}
	for userID, membership := range r.members {
		key := userID.String()
		events = append(events, messaging.Event{
			EventID:  h.nextEventID(),
			Type:     "m.room.member",
			Sender:   userID,
			StateKey: &key,
			Content:  map[string]any{"membership": membership},
			RoomID:   roomID,
		})
	}
	return events, nil
}

func (s *Session) GetStateEvent(_ context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, notFound("unknown room")
	}
	stored, ok := r.state[eventType][stateKey]
	if !ok || stored.redacted {
		return nil, notFound("no such state event")
	}
	raw, err := json.Marshal(stored.event.Content)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Session) SendStateEvent(_ context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return ref.EventID{}, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ref.EventID{}, err
	}
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addStateLocked(roomID, eventType, stateKey, s.userID, decoded), nil
}

func (s *Session) GetEvent(_ context.Context, roomID ref.RoomID, eventID ref.EventID) (*messaging.Event, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	stored, ok := h.eventsByID[eventID]
	if !ok || stored.roomID != roomID {
		return nil, notFound("unknown event")
	}
	event := stored.event
	return &event, nil
}

func (s *Session) RedactEvent(_ context.Context, roomID ref.RoomID, eventID ref.EventID, _ string) (ref.EventID, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	stored, ok := h.eventsByID[eventID]
	if !ok || stored.roomID != roomID {
		return ref.EventID{}, notFound("unknown event")
	}
	stored.redacted = true
	stored.event.Content = map[string]any{}
	h.Redacted = append(h.Redacted, eventID)
	return h.nextEventID(), nil
}

func (s *Session) GetRoomAccountData(_ context.Context, roomID ref.RoomID, key string) (json.RawMessage, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	raw, ok := h.accountData[s.userID.String()][roomID][key]
	if !ok {
		return nil, notFound("no account data")
	}
	return raw, nil
}

func (s *Session) SetRoomAccountData(_ context.Context, roomID ref.RoomID, key string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	byRoom, ok := h.accountData[s.userID.String()]
	if !ok {
		byRoom = map[ref.RoomID]map[string]json.RawMessage{}
		h.accountData[s.userID.String()] = byRoom
	}
	byKey, ok := byRoom[roomID]
	if !ok {
		byKey = map[string]json.RawMessage{}
		byRoom[roomID] = byKey
	}
	byKey[key] = raw
	return nil
}

func (s *Session) GetRoomMembers(_ context.Context, roomID ref.RoomID) ([]messaging.RoomMember, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, notFound("unknown room")
	}
	var members []messaging.RoomMember
	for userID, membership := range r.members {
		members = append(members, messaging.RoomMember{UserID: userID, Membership: membership})
	}
	return members, nil
}

func (s *Session) SendMessage(_ context.Context, roomID ref.RoomID, _ messaging.MessageContent) (ref.EventID, error) {
	h := s.homeserver
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomLocked(roomID)
	return h.nextEventID(), nil
}

func (s *Session) Sync(context.Context, messaging.SyncOptions) (*messaging.SyncResponse, error) {
	// The fake is state-driven; sync is exercised against httptest
	// servers in the messaging package instead.
	return &messaging.SyncResponse{}, nil
}
