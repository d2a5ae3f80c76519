// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/trestle-bridge/trestle/messaging"
)

// Snapshots are CBOR-encoded and zstd-compressed. CBOR keeps the
// arbitrary per-service content maps intact without a schema; zstd
// keeps large state snapshots cheap to store (room state is highly
// repetitive JSON-shaped data).

var snapshotDecMode cbor.DecMode

func init() {
	// Event content is map[string]any; CBOR's default decoding of
	// untyped maps is map[any]any, which would not round-trip.
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("storage: building CBOR decode mode: " + err.Error())
	}
	snapshotDecMode = mode
}

var (
	snapshotCompressor, _   = zstd.NewWriter(nil)
	snapshotDecompressor, _ = zstd.NewReader(nil)
)

func encodeSnapshot(events []messaging.Event) ([]byte, error) {
	raw, err := cbor.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding snapshot: %w", err)
	}
	return snapshotCompressor.EncodeAll(raw, nil), nil
}

func decodeSnapshot(payload []byte) ([]messaging.Event, error) {
	raw, err := snapshotDecompressor.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: decompressing snapshot: %w", err)
	}
	var events []messaging.Event
	if err := snapshotDecMode.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("storage: decoding snapshot: %w", err)
	}
	return events, nil
}
