// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// testSession creates a Client+DirectSession pointed at an httptest
// server running the given handler.
func testSession(t *testing.T, handler http.HandlerFunc) *DirectSession {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session, err := client.SessionFromToken("@trestle:example.org", "test-token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	return session
}

func TestGetRoomState(t *testing.T) {
	roomID := ref.MustParseRoomID("!room:example.org")
	session := testSession(t, func(writer http.ResponseWriter, request *http.Request) {
		// Compare the decoded path: PathEscape leaves ':' alone, and
		// either escaping is fine on the wire.
		wantPath := "/_matrix/client/v3/rooms/" + roomID.String() + "/state"
		if request.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", request.URL.Path, wantPath)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		stateKey := ""
		json.NewEncoder(writer).Encode([]Event{
			{
				EventID:  ref.MustParseEventID("$event1"),
				Type:     "io.trestle.github.repository",
				Sender:   ref.MustParseUserID("@alice:example.org"),
				StateKey: &stateKey,
				Content:  map[string]any{"org": "octo", "repo": "kit"},
			},
		})
	})

	events, err := session.GetRoomState(context.Background(), roomID)
	if err != nil {
		t.Fatalf("GetRoomState: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Content["org"] != "octo" {
		t.Errorf("content = %v", events[0].Content)
	}
	if !events[0].IsState() {
		t.Error("expected state event")
	}
}

func TestGetStateEventNotFound(t *testing.T) {
	session := testSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNotFound)
		json.NewEncoder(writer).Encode(map[string]string{
			"errcode": "M_NOT_FOUND",
			"error":   "Event not found.",
		})
	})

	_, err := session.GetStateEvent(context.Background(), ref.MustParseRoomID("!room:example.org"), "m.room.tombstone", "")
	if !IsMatrixError(err, ErrCodeNotFound) {
		t.Fatalf("expected M_NOT_FOUND, got %v", err)
	}

	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404 in error, got %v", err)
	}
}

func TestRoomAccountDataRoundTrip(t *testing.T) {
	stored := map[string]json.RawMessage{}
	session := testSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if !strings.Contains(request.URL.EscapedPath(), "/account_data/") {
			t.Errorf("unexpected path %q", request.URL.EscapedPath())
		}
		key := request.URL.EscapedPath()[strings.LastIndex(request.URL.EscapedPath(), "/")+1:]
		switch request.Method {
		case http.MethodPut:
			var body json.RawMessage
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			stored[key] = body
			writer.Write([]byte("{}"))
		case http.MethodGet:
			content, ok := stored[key]
			if !ok {
				writer.WriteHeader(http.StatusNotFound)
				json.NewEncoder(writer).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
				return
			}
			writer.Write(content)
		}
	})

	roomID := ref.MustParseRoomID("!room:example.org")
	key := "io.trestle.grant%2Fgithub%2Fabc123"

	ctx := context.Background()
	if _, err := session.GetRoomAccountData(ctx, roomID, key); !IsMatrixError(err, ErrCodeNotFound) {
		t.Fatalf("expected M_NOT_FOUND before write, got %v", err)
	}

	if err := session.SetRoomAccountData(ctx, roomID, key, map[string]bool{"granted": true}); err != nil {
		t.Fatalf("SetRoomAccountData: %v", err)
	}

	raw, err := session.GetRoomAccountData(ctx, roomID, key)
	if err != nil {
		t.Fatalf("GetRoomAccountData: %v", err)
	}
	var content struct {
		Granted bool `json:"granted"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !content.Granted {
		t.Error("granted = false after write")
	}
}

func TestRedactEvent(t *testing.T) {
	var redactedPath string
	session := testSession(t, func(writer http.ResponseWriter, request *http.Request) {
		redactedPath = request.URL.Path
		var body RedactRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Reason == "" {
			t.Error("expected a redaction reason")
		}
		json.NewEncoder(writer).Encode(SendEventResponse{EventID: ref.MustParseEventID("$redaction")})
	})

	eventID, err := session.RedactEvent(context.Background(),
		ref.MustParseRoomID("!room:example.org"),
		ref.MustParseEventID("$offender"),
		"sender is not allowed to manage connections")
	if err != nil {
		t.Fatalf("RedactEvent: %v", err)
	}
	if eventID.String() != "$redaction" {
		t.Errorf("event ID = %q", eventID)
	}
	if !strings.Contains(redactedPath, "/redact/$offender/") {
		t.Errorf("redact path = %q", redactedPath)
	}
}

func TestSyncParsesStateAndTimeline(t *testing.T) {
	session := testSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if got := request.URL.Query().Get("since"); got != "batch-1" {
			t.Errorf("since = %q", got)
		}
		writer.Write([]byte(`{
			"next_batch": "batch-2",
			"rooms": {
				"join": {
					"!room:example.org": {
						"timeline": {"events": [{"event_id": "$m1", "type": "m.room.message", "sender": "@alice:example.org", "content": {"body": "hi"}}]},
						"state": {"events": [{"event_id": "$s1", "type": "m.room.tombstone", "sender": "@alice:example.org", "state_key": "", "content": {"replacement_room": "!new:example.org"}}]}
					}
				}
			}
		}`))
	})

	response, err := session.Sync(context.Background(), SyncOptions{Since: "batch-1"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if response.NextBatch != "batch-2" {
		t.Errorf("next_batch = %q", response.NextBatch)
	}
	joined := response.Rooms.Join[ref.MustParseRoomID("!room:example.org")]
	if len(joined.Timeline.Events) != 1 || len(joined.State.Events) != 1 {
		t.Fatalf("unexpected sync shape: %+v", joined)
	}
	if joined.State.Events[0].Type != "m.room.tombstone" {
		t.Errorf("state event type = %q", joined.State.Events[0].Type)
	}
}

func TestRetryFilter(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		wantRetryable bool
		wantDelay     time.Duration
	}{
		{"transport error", errors.New("connection refused"), true, 0},
		{"server error", &MatrixError{Code: ErrCodeUnknown, StatusCode: 502}, true, 0},
		{"forbidden", &MatrixError{Code: ErrCodeForbidden, StatusCode: 403}, false, 0},
		{"not found", &MatrixError{Code: ErrCodeNotFound, StatusCode: 404}, false, 0},
		{"rate limited", &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429, RetryAfterMS: 1500}, true, 1500 * time.Millisecond},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			delay, retryable := RetryFilter(testCase.err)
			if retryable != testCase.wantRetryable || delay != testCase.wantDelay {
				t.Errorf("RetryFilter(%v) = (%v, %v), want (%v, %v)",
					testCase.err, delay, retryable, testCase.wantDelay, testCase.wantRetryable)
			}
		})
	}
}
