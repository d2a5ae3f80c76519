// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseRoomID(t *testing.T) {
	valid := []string{
		"!abc123:example.org",
		"!x:server",
		"!opaque-part_with.chars:matrix.example.com:8448",
	}
	for _, raw := range valid {
		roomID, err := ParseRoomID(raw)
		if err != nil {
			t.Errorf("ParseRoomID(%q): unexpected error: %v", raw, err)
			continue
		}
		if roomID.String() != raw {
			t.Errorf("ParseRoomID(%q).String() = %q", raw, roomID.String())
		}
		if roomID.IsZero() {
			t.Errorf("ParseRoomID(%q).IsZero() = true", raw)
		}
	}

	invalid := []string{
		"",
		"abc:example.org",
		"!noserver",
		"!:example.org",
		"!abc:",
		"#alias:example.org",
	}
	for _, raw := range invalid {
		if _, err := ParseRoomID(raw); err == nil {
			t.Errorf("ParseRoomID(%q): expected error, got nil", raw)
		}
	}
}

func TestParseUserID(t *testing.T) {
	userID, err := ParseUserID("@alice:example.org")
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if got := userID.Localpart(); got != "alice" {
		t.Errorf("Localpart() = %q, want %q", got, "alice")
	}

	invalid := []string{"", "alice:example.org", "@:example.org", "@alice", "@alice:"}
	for _, raw := range invalid {
		if _, err := ParseUserID(raw); err == nil {
			t.Errorf("ParseUserID(%q): expected error, got nil", raw)
		}
	}
}

func TestUserIDFromParts(t *testing.T) {
	userID := UserIDFromParts("bridge/github", "example.org")
	if got, want := userID.String(), "@bridge/github:example.org"; got != want {
		t.Errorf("UserIDFromParts = %q, want %q", got, want)
	}
	if got := userID.Localpart(); got != "bridge/github" {
		t.Errorf("Localpart() = %q, want %q", got, "bridge/github")
	}
}

func TestParseEventID(t *testing.T) {
	eventID, err := ParseEventID("$abc123")
	if err != nil {
		t.Fatalf("ParseEventID: %v", err)
	}
	if eventID.String() != "$abc123" {
		t.Errorf("String() = %q", eventID.String())
	}

	for _, raw := range []string{"", "$", "abc123"} {
		if _, err := ParseEventID(raw); err == nil {
			t.Errorf("ParseEventID(%q): expected error, got nil", raw)
		}
	}
}

func TestRoomIDJSONRoundTrip(t *testing.T) {
	original := MustParseRoomID("!room:example.org")
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded RoomID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %v, want %v", decoded, original)
	}

	// Invalid room IDs must be rejected at the decoding boundary.
	var bad RoomID
	if err := json.Unmarshal([]byte(`"not-a-room"`), &bad); err == nil {
		t.Error("Unmarshal of invalid room ID: expected error, got nil")
	}
}

func TestRoomIDAsMapKey(t *testing.T) {
	room := MustParseRoomID("!room:example.org")
	payload := map[RoomID]int{room: 3}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	var decoded map[RoomID]int
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal map: %v", err)
	}
	if decoded[room] != 3 {
		t.Errorf("map round trip lost value: %v", decoded)
	}
}
