// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// DirectSession is an authenticated Matrix session. It wraps a Client
// with an access token for making authenticated API calls. Sessions
// are lightweight and safe to create in large numbers — the bridge
// holds one per configured bot user.
type DirectSession struct {
	client      *Client
	accessToken string
	userID      string

	// transactionCounter generates unique transaction IDs for
	// idempotent sends and redactions.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID.
func (s *DirectSession) UserID() string {
	return s.userID
}

// WhoAmI validates the access token and returns the user ID. Useful
// for checking whether a configured token is still valid at startup.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// JoinRoom joins a room by ID. Returns the room ID.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined_rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// GetRoomState fetches all current state events from a room.
func (s *DirectSession) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/state"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room state for %s failed: %w", roomID, err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room state: %w", err)
	}
	return events, nil
}

// GetStateEvent fetches a specific state event's content from a room.
func (s *DirectSession) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/state/" + url.PathEscape(eventType.String()) + "/" + url.PathEscape(stateKey)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state %s/%s in %s failed: %w", eventType, stateKey, roomID, err)
	}
	return body, nil
}

// SendStateEvent sends a state event to a room. Returns the event ID.
func (s *DirectSession) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/state/" + url.PathEscape(eventType.String()) + "/" + url.PathEscape(stateKey)
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state %s/%s to %s failed: %w", eventType, stateKey, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetEvent fetches a single event by ID.
func (s *DirectSession) GetEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*Event, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/event/" + url.PathEscape(eventID.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get event %s in %s failed: %w", eventID, roomID, err)
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse event: %w", err)
	}
	return &event, nil
}

// RedactEvent redacts an event, stripping its content.
func (s *DirectSession) RedactEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, reason string) (ref.EventID, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/redact/" + url.PathEscape(eventID.String()) + "/" + s.nextTransactionID()
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, RedactRequest{Reason: reason})
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: redact %s in %s failed: %w", eventID, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse redact response: %w", err)
	}
	return response.EventID, nil
}

// GetRoomAccountData reads a room-scoped account data entry for this
// session's user.
func (s *DirectSession) GetRoomAccountData(ctx context.Context, roomID ref.RoomID, key string) (json.RawMessage, error) {
	path := "/_matrix/client/v3/user/" + url.PathEscape(s.userID) +
		"/rooms/" + url.PathEscape(roomID.String()) +
		"/account_data/" + url.PathEscape(key)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get account data %s in %s failed: %w", key, roomID, err)
	}
	return body, nil
}

// SetRoomAccountData writes a room-scoped account data entry for this
// session's user.
func (s *DirectSession) SetRoomAccountData(ctx context.Context, roomID ref.RoomID, key string, content any) error {
	path := "/_matrix/client/v3/user/" + url.PathEscape(s.userID) +
		"/rooms/" + url.PathEscape(roomID.String()) +
		"/account_data/" + url.PathEscape(key)
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content); err != nil {
		return fmt.Errorf("messaging: set account data %s in %s failed: %w", key, roomID, err)
	}
	return nil
}

// GetRoomMembers returns the members of a room.
func (s *DirectSession) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/members"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get members of %s failed: %w", roomID, err)
	}

	var response RoomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse members response: %w", err)
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, memberEvent := range response.Chunk {
		userID, err := ref.ParseUserID(memberEvent.StateKey)
		if err != nil {
			// A malformed member state key is server corruption;
			// skip the entry rather than failing the whole lookup.
			s.client.logger.Warn("skipping member with invalid state key",
				"room_id", roomID,
				"state_key", memberEvent.StateKey,
				"error", err,
			)
			continue
		}
		members = append(members, RoomMember{
			UserID:     userID,
			Membership: memberEvent.Content.Membership,
		})
	}
	return members, nil
}

// SendMessage sends a message to a room. Returns the event ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/send/m.room.message/" + s.nextTransactionID()
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send message to %s failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Sync performs an incremental sync with the homeserver.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// nextTransactionID returns a unique transaction ID for idempotent
// PUT endpoints (message sends, redactions).
func (s *DirectSession) nextTransactionID() string {
	return fmt.Sprintf("trestle-%d-%d", time.Now().UnixNano(), s.transactionCounter.Add(1))
}
