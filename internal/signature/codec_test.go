package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeToolID(t *testing.T) {
	encoded := EncodeToolID("toolu_01", "sig-0123456789abcdef")
	assert.Equal(t, "toolu_01__thought__sig-0123456789abcdef", encoded)

	id, sig := DecodeToolID(encoded)
	assert.Equal(t, "toolu_01", id)
	assert.Equal(t, "sig-0123456789abcdef", sig)
}

func TestEncodeToolIDEmptySignature(t *testing.T) {
	assert.Equal(t, "toolu_01", EncodeToolID("toolu_01", ""))
}

func TestDecodeToolIDPlain(t *testing.T) {
	id, sig := DecodeToolID("toolu_01")
	assert.Equal(t, "toolu_01", id)
	assert.Equal(t, "", sig)
}

func TestDecodeToolIDShortTailLeftIntact(t *testing.T) {
	// A natural separator with a tail below the validity floor is not a
	// signature; the id passes through untouched.
	id, sig := DecodeToolID("call__thought__x")
	assert.Equal(t, "call__thought__x", id)
	assert.Equal(t, "", sig)
}

func TestDecodeToolIDSplitsOnFirstSeparator(t *testing.T) {
	// The split point is the first separator; everything after it is the
	// signature candidate.
	encoded := EncodeToolID("call__thought__x", "sig-0123456789abcdef")
	id, sig := DecodeToolID(encoded)
	assert.Equal(t, "call", id)
	assert.Equal(t, "x__thought__sig-0123456789abcdef", sig)
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("123456789"))
	assert.True(t, Valid("1234567890"))
}
