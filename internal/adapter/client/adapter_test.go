package client

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

func TestDetectClientTypeByPath(t *testing.T) {
	a := NewAdapter()
	cases := map[string]domain.ClientType{
		"/v1/messages":                                    domain.ClientTypeClaude,
		"/v1/chat/completions":                            domain.ClientTypeOpenAI,
		"/v1/models/gemini-2.5-pro:generateContent":       domain.ClientTypeGemini,
		"/v1beta/models/gemini-2.5-pro:generateContent":   domain.ClientTypeGemini,
		"/v1internal/models/gemini-3-pro:generateContent": domain.ClientTypeGemini,
		"/ndjson":                                         domain.ClientTypeNDJSON,
		"/v1/ide/stream":                                  domain.ClientTypeNDJSON,
	}
	for path, want := range cases {
		req := httptest.NewRequest("POST", path, nil)
		assert.Equal(t, want, a.DetectClientType(req, nil), path)
	}
}

func TestDetectClientTypeByBody(t *testing.T) {
	a := NewAdapter()
	req := httptest.NewRequest("POST", "/other", nil)

	assert.Equal(t, domain.ClientTypeGemini, a.DetectClientType(req, []byte(`{"contents":[]}`)))
	assert.Equal(t, domain.ClientTypeNDJSON, a.DetectClientType(req, []byte(`{"nodes":[]}`)))
	assert.Equal(t, domain.ClientTypeClaude, a.DetectClientType(req, []byte(`{"messages":[],"system":"s"}`)))
	assert.Equal(t, domain.ClientTypeClaude, a.DetectClientType(req, []byte(`{"messages":[],"max_tokens":1,"thinking":{}}`)))
	assert.Equal(t, domain.ClientTypeOpenAI, a.DetectClientType(req, []byte(`{"messages":[]}`)))
	assert.Equal(t, domain.ClientType(""), a.DetectClientType(req, []byte(`garbage`)))
}

func TestClassifyProfile(t *testing.T) {
	a := NewAdapter()

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("User-Agent", "claude-cli/1.0")
	assert.Equal(t, domain.ProfileTerminal, a.ClassifyProfile(req, domain.ClientTypeClaude))

	req = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("User-Agent", "VSCode/1.90 extension")
	assert.Equal(t, domain.ProfileIDE, a.ClassifyProfile(req, domain.ClientTypeOpenAI))

	req = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("X-Forwarded-User-Agent", "JetBrains IntelliJ")
	assert.Equal(t, domain.ProfileIDE, a.ClassifyProfile(req, domain.ClientTypeOpenAI))

	req = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	assert.Equal(t, domain.ProfileSDK, a.ClassifyProfile(req, domain.ClientTypeOpenAI))

	req = httptest.NewRequest("POST", "/ndjson", nil)
	assert.Equal(t, domain.ProfileNDJSONIDE, a.ClassifyProfile(req, domain.ClientTypeNDJSON))
}

func TestExtractModelFromGeminiPath(t *testing.T) {
	a := NewAdapter()
	req := httptest.NewRequest("POST", "/v1beta/models/gemini-2.5-pro:streamGenerateContent", nil)
	assert.Equal(t, "gemini-2.5-pro", a.ExtractModel(req, domain.ClientTypeGemini, nil))

	req = httptest.NewRequest("POST", "/v1/messages", nil)
	assert.Equal(t, "claude-sonnet-4", a.ExtractModel(req, domain.ClientTypeClaude, []byte(`{"model":"claude-sonnet-4"}`)))
}

func TestIsStreamRequest(t *testing.T) {
	a := NewAdapter()

	req := httptest.NewRequest("POST", "/v1beta/models/m:streamGenerateContent", nil)
	assert.True(t, a.IsStreamRequest(req, nil))

	req = httptest.NewRequest("POST", "/v1/messages", nil)
	assert.True(t, a.IsStreamRequest(req, []byte(`{"stream":true}`)))
	assert.False(t, a.IsStreamRequest(req, []byte(`{"stream":false}`)))
}

func TestExtractOwnerToken(t *testing.T) {
	a := NewAdapter()

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	info := a.Extract(req, []byte(`{}`))
	assert.Equal(t, "tok-123", info.OwnerToken)

	req = httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("x-api-key", "key-456")
	info = a.Extract(req, []byte(`{}`))
	assert.Equal(t, "key-456", info.OwnerToken)

	req = httptest.NewRequest("POST", "/v1beta/models/m:generateContent", nil)
	req.Header.Set("x-goog-api-key", "goog-789")
	info = a.Extract(req, []byte(`{}`))
	assert.Equal(t, "goog-789", info.OwnerToken)
}

func TestExtractSCIDHeader(t *testing.T) {
	a := NewAdapter()
	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set(domain.ConversationIDHeader, "conv-42")
	info := a.Extract(req, []byte(`{}`))
	assert.Equal(t, "conv-42", info.SCID)
}

func TestForwardHeadersWhitelist(t *testing.T) {
	a := NewAdapter()

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("User-Agent", "claude-cli/1.0")
	req.Header.Set("X-Session-Id", "sess-1")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "nope")

	fwd := a.ForwardHeaders(req)
	require.NotNil(t, fwd)
	assert.Equal(t, "claude-cli/1.0", fwd.Get("User-Agent"))
	assert.Equal(t, "sess-1", fwd.Get("X-Session-Id"))
	assert.Empty(t, fwd.Get("Authorization"))
	assert.Empty(t, fwd.Get("Cookie"))
}

func TestForwardHeadersNoneMatching(t *testing.T) {
	a := NewAdapter()
	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Del("User-Agent")
	assert.Nil(t, a.ForwardHeaders(req))
}

func TestExtractSessionID(t *testing.T) {
	a := NewAdapter()

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	sid := a.ExtractSessionID(req, []byte(`{"metadata":{"session_id":"sess-1"}}`))
	assert.Equal(t, "sess-1", sid)

	req = httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("X-Session-Id", "sess-2")
	assert.Equal(t, "sess-2", a.ExtractSessionID(req, []byte(`{}`)))

	// Fallback is stable for the same caller characteristics.
	req1 := httptest.NewRequest("POST", "/v1/messages", nil)
	req2 := httptest.NewRequest("POST", "/v1/messages", nil)
	assert.Equal(t, a.ExtractSessionID(req1, []byte(`{}`)), a.ExtractSessionID(req2, []byte(`{}`)))
}
