// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ID identifies one live connection: 32 lowercase hex characters,
// derived from (room, state type, state key). The derivation is
// saltless, so IDs are stable across restarts and across processes.
type ID string

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps connection IDs and grant identity hashes from ever
// colliding even for identical input bytes. The byte values are the
// ASCII domain name zero-padded to 32 bytes, which keeps the keys
// readable in hex dumps; BLAKE3 keyed mode treats them as opaque.
type domainKey [32]byte

var (
	connectionIDKey = domainKey{
		't', 'r', 'e', 's', 't', 'l', 'e', '.', 'c', 'o', 'n', 'n', 'e', 'c', 't', 'i',
		'o', 'n', '.', 'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	grantIdentityKey = domainKey{
		't', 'r', 'e', 's', 't', 'l', 'e', '.', 'g', 'r', 'a', 'n', 't', '.', 'i', 'd',
		'e', 'n', 't', 'i', 't', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// keyedDigest computes a BLAKE3 keyed hash of material and returns the
// first 32 hex characters (128 bits), which is ample headroom against
// collision for per-room identity counts.
func keyedDigest(key domainKey, material string) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which domainKey
		// makes impossible.
		panic("connection: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(material))
	digest := hasher.Sum(nil)
	return hex.EncodeToString(digest)[:32]
}

// IDFor derives the connection ID for a (room, state type, state key)
// triple. Changing any component changes the result.
func IDFor(roomID, stateType, stateKey string) ID {
	return ID(keyedDigest(connectionIDKey, roomID+"/"+stateType+"/"+stateKey))
}

// Identity is a connection's grant identity: the value hashed into
// grant storage keys. It is either a plain string (single-field
// resources like a feed URL) or a set of named fields (composite
// resources like org+repo).
type Identity struct {
	value  string
	fields map[string]string
}

// StringIdentity builds an identity from a single opaque value.
func StringIdentity(value string) Identity {
	return Identity{value: value}
}

// CompositeIdentity builds an identity from named fields. Hashing
// sorts the field names first, so callers need not agree on an order.
func CompositeIdentity(fields map[string]string) Identity {
	return Identity{fields: fields}
}

// Field returns a named field of a composite identity. Services use
// this in grant fallback checks to recover the resource coordinates.
func (i Identity) Field(name string) (string, bool) {
	value, ok := i.fields[name]
	return value, ok
}

// Value returns the opaque value of a string identity.
func (i Identity) Value() string { return i.value }

// Hash returns the 32-hex-character digest stored in grant keys.
func (i Identity) Hash() string {
	material := i.value
	if i.fields != nil {
		names := make([]string, 0, len(i.fields))
		for name := range i.fields {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, len(names))
		for index, name := range names {
			pairs[index] = name + ":" + i.fields[name]
		}
		// Newline-joined so adjacent pairs cannot run together and
		// collide with a differently-split field set.
		material = strings.Join(pairs, "\n")
	}
	return keyedDigest(grantIdentityKey, material)
}
