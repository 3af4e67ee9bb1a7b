// Package guid mints and validates the fixed-length random identifiers used
// for messages, requests, and ledger rows. A GUID uniquely identifies one
// logical event network-wide.
package guid

import (
	"strings"

	"github.com/google/uuid"
)

// Length is the fixed identifier length: a UUIDv4 with dashes stripped.
const Length = 32

// New returns a new random GUID.
func New() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Valid reports whether s has the exact GUID shape (32 lowercase hex chars).
// Used at the message acceptance boundary; anything else is rejected.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
