// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// StaticConnection is an operator-defined connection instantiated at
// startup without sender authorization. Static connections are pinned:
// room state changes never remove them.
type StaticConnection struct {
	RoomID    ref.RoomID     `json:"room_id"`
	EventType ref.EventType  `json:"event_type"`
	StateKey  string         `json:"state_key"`
	Content   map[string]any `json:"content"`
}

// LoadStaticConnections reads static connection definitions from a
// JSONC file. Comments and trailing commas are permitted so operators
// can annotate entries. A missing path returns an empty list.
func LoadStaticConnections(path string) ([]StaticConnection, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading static connections: %w", err)
	}

	var connections []StaticConnection
	if err := json.Unmarshal(jsonc.ToJSON(data), &connections); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i, conn := range connections {
		if conn.RoomID.IsZero() {
			return nil, fmt.Errorf("%s: entry %d: room_id is required", path, i)
		}
		if conn.EventType == "" {
			return nil, fmt.Errorf("%s: entry %d: event_type is required", path, i)
		}
	}
	return connections, nil
}
