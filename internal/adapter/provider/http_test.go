package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyForwardHeadersDoesNotClobber(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://upstream/v1/x", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "adapter-set")

	applyForwardHeaders(req, http.Header{
		"User-Agent":   {"client-ua"},
		"X-Session-Id": {"sess-1"},
	})

	assert.Equal(t, "adapter-set", req.Header.Get("User-Agent"))
	assert.Equal(t, "sess-1", req.Header.Get("X-Session-Id"))
}

func TestApplyForwardHeadersNilIsNoop(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://upstream/v1/x", nil)
	require.NoError(t, err)
	before := len(req.Header)
	applyForwardHeaders(req, nil)
	assert.Len(t, req.Header, before)
}
