package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/adapter/client"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
)

func compatHandler(compat bool) *ProxyHandler {
	return NewProxyHandler(client.NewAdapter(), converter.NewRegistry(),
		nil, nil, nil, nil, nil, nil, "", 0, compat)
}

func TestParseRequestCompatModeRedetectsDialect(t *testing.T) {
	h := compatHandler(true)

	// A Gemini-shaped body posted to the Claude path.
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	info := &client.Info{ClientType: domain.ClientTypeClaude}

	req, _, err := h.parseRequest(info, body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Blocks[0].Text)
}

func TestParseRequestStrictWithoutCompatMode(t *testing.T) {
	h := compatHandler(false)

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	info := &client.Info{ClientType: domain.ClientTypeClaude}

	req, _, err := h.parseRequest(info, body)
	if err == nil {
		assert.Empty(t, req.Messages)
	}
}

func TestParseRequestCompatModeKeepsMatchingDialect(t *testing.T) {
	h := compatHandler(true)

	body := []byte(`{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`)
	info := &client.Info{ClientType: domain.ClientTypeClaude}

	req, _, err := h.parseRequest(info, body)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", req.Model)
	require.Len(t, req.Messages, 1)
}
