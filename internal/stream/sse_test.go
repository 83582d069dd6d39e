package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSEBasic(t *testing.T) {
	events, rest := ParseSSE("event: message_start\ndata: {\"a\":1}\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "message_start", events[0].Event)
	assert.Equal(t, `{"a":1}`, string(events[0].Data))
	assert.Equal(t, "", rest)
}

func TestParseSSEPartialTail(t *testing.T) {
	events, rest := ParseSSE("data: {\"a\":1}\n\ndata: {\"b\"")
	require.Len(t, events, 1)
	assert.Equal(t, `data: {"b"`, rest)
}

func TestParseSSEDone(t *testing.T) {
	events, _ := ParseSSE("data: [DONE]\n\n")
	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
}

func TestParseSSEMultiLineData(t *testing.T) {
	events, _ := ParseSSE("data: line1\ndata: line2\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", string(events[0].Data))
}

func TestParseSSECRLF(t *testing.T) {
	events, _ := ParseSSE("data: {\"a\":1}\r\n\r\n")
	require.Len(t, events, 1)
	assert.Equal(t, `{"a":1}`, string(events[0].Data))
}

func TestFormatSSE(t *testing.T) {
	out := FormatSSE("ping", "hello")
	assert.Equal(t, "event: ping\ndata: hello\n\n", string(out))

	out = FormatSSE("", []byte(`{"x":1}`))
	assert.Equal(t, "data: {\"x\":1}\n\n", string(out))
}
