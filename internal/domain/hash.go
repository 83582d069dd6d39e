package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortHash returns the first 16 hex chars of the input's SHA-256.
// Used for stable non-reversible identifiers (owner ids, session ids).
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
