// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseSigilID splits a Matrix identifier of the form
// <sigil>localpart:server into its parts. Used for user IDs ('@') and
// room aliases ('#'). Room IDs are not parsed this way: their local
// part is opaque and may not contain a meaningful localpart at all.
func parseSigilID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	colon := strings.IndexByte(identifier[1:], ':')
	if colon < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server suffix", kind, identifier)
	}
	if colon == 0 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1 : 1+colon]
	server = identifier[1+colon+1:]
	if server == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty server name", kind, identifier)
	}
	return localpart, server, nil
}
