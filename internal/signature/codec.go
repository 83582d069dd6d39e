package signature

import "strings"

// ThoughtSeparator is the magic substring splicing a signature into a
// tool-call id. Clients that preserve ids verbatim round-trip the
// signature for free.
const ThoughtSeparator = "__thought__"

// MinLength is the validity floor: anything shorter is not a signature.
const MinLength = 10

// EncodeToolID splices a signature into a tool-call id. Returns the id
// unchanged when there is nothing to carry.
func EncodeToolID(toolID, sig string) string {
	if sig == "" {
		return toolID
	}
	return toolID + ThoughtSeparator + sig
}

// DecodeToolID splits an encoded id back into (id, signature). The
// signature is empty when the id was never encoded.
//
// The split point is the first occurrence of the separator. A bare id
// that naturally contains the separator still round-trips: its tail is
// not a plausible signature (below the validity floor), so it is left
// intact.
func DecodeToolID(encoded string) (string, string) {
	idx := strings.Index(encoded, ThoughtSeparator)
	if idx < 0 {
		return encoded, ""
	}
	sig := encoded[idx+len(ThoughtSeparator):]
	if !Valid(sig) {
		return encoded, ""
	}
	return encoded[:idx], sig
}

// Valid reports whether sig passes the validity floor.
func Valid(sig string) bool {
	return len(sig) >= MinLength
}
