// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"testing"

	"github.com/trestle-bridge/trestle/lib/ref"
)

func TestIsDisabled(t *testing.T) {
	cases := []struct {
		name    string
		content map[string]any
		want    bool
	}{
		{"nil content", nil, true},
		{"empty content", map[string]any{}, true},
		{"disabled true", map[string]any{"org": "octo", "disabled": true}, true},
		{"disabled false", map[string]any{"org": "octo", "disabled": false}, false},
		{"no flag", map[string]any{"org": "octo"}, false},
		{"disabled wrong type", map[string]any{"disabled": "yes"}, false},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := IsDisabled(testCase.content); got != testCase.want {
				t.Errorf("IsDisabled(%v) = %v, want %v", testCase.content, got, testCase.want)
			}
		})
	}
}

func TestDecodeContent(t *testing.T) {
	content := map[string]any{
		"commandPrefix": "!gh",
		"priority":      float64(5),
	}
	var state ConnectionState
	if err := DecodeContent(content, &state); err != nil {
		t.Fatalf("DecodeContent: %v", err)
	}
	if state.CommandPrefix != "!gh" {
		t.Errorf("CommandPrefix = %q", state.CommandPrefix)
	}
	if state.PriorityOrDefault() != 5 {
		t.Errorf("priority = %d, want 5", state.PriorityOrDefault())
	}

	var empty ConnectionState
	if err := DecodeContent(map[string]any{}, &empty); err != nil {
		t.Fatalf("DecodeContent empty: %v", err)
	}
	if empty.PriorityOrDefault() != DefaultPriority {
		t.Errorf("default priority = %d, want %d", empty.PriorityOrDefault(), DefaultPriority)
	}
}

func TestPowerLevels(t *testing.T) {
	stateDefault := 50
	usersDefault := 0
	levels := PowerLevels{
		Users:        map[string]int{"@bot:example.org": 100},
		UsersDefault: &usersDefault,
		Events:       map[string]int{"io.trestle.github.repository": 75},
		StateDefault: &stateDefault,
	}

	if !levels.CanManageState("@bot:example.org", "m.room.tombstone") {
		t.Error("bot at 100 should manage default-level state")
	}
	if levels.CanManageState("@alice:example.org", "m.room.tombstone") {
		t.Error("default user should not manage state")
	}
	if got := levels.StateEventLevel(ref.EventType("io.trestle.github.repository")); got != 75 {
		t.Errorf("StateEventLevel = %d, want 75", got)
	}

	// Spec defaults with nothing set.
	var zero PowerLevels
	if got := zero.UserLevel("@anyone:example.org"); got != 0 {
		t.Errorf("zero UserLevel = %d", got)
	}
	if got := zero.StateEventLevel("m.room.name"); got != 50 {
		t.Errorf("zero StateEventLevel = %d", got)
	}
}
