package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

func TestClaudeWriterLifecycle(t *testing.T) {
	w := NewClaudeWriter("msg_1", "claude-sonnet-4", false)

	out := string(w.Emit(Event{Type: EventTextDelta, Text: "hello"}))
	assert.Contains(t, out, "message_start")
	assert.Contains(t, out, "content_block_start")
	assert.Contains(t, out, "text_delta")

	out = string(w.Emit(Event{Type: EventFinish, StopReason: "end_turn"}))
	assert.Contains(t, out, "content_block_stop")
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, "message_stop")
	assert.True(t, w.SawFinish())
	assert.Empty(t, w.Close())
}

func TestClaudeWriterSignatureBeforeBlockClose(t *testing.T) {
	w := NewClaudeWriter("msg_1", "m", false)

	w.Emit(Event{Type: EventThinkingDelta, Text: "reasoning"})
	// Signature while the thinking block is open is held back.
	out := string(w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"}))
	assert.NotContains(t, out, "signature_delta")

	// It flushes when the block closes on the transition to text.
	out = string(w.Emit(Event{Type: EventTextDelta, Text: "answer"}))
	sigIdx := strings.Index(out, "signature_delta")
	stopIdx := strings.Index(out, "content_block_stop")
	require.GreaterOrEqual(t, sigIdx, 0)
	require.GreaterOrEqual(t, stopIdx, 0)
	assert.Less(t, sigIdx, stopIdx)
}

func TestClaudeWriterTrailingSignatureOpensEmptyBlock(t *testing.T) {
	w := NewClaudeWriter("msg_1", "m", false)
	w.Emit(Event{Type: EventTextDelta, Text: "answer"})

	out := string(w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"}))
	assert.Contains(t, out, `"thinking":""`)
	assert.Contains(t, out, "signature_delta")
}

func TestClaudeWriterEncodesToolID(t *testing.T) {
	w := NewClaudeWriter("msg_1", "m", true)
	w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"})

	out := string(w.Emit(Event{Type: EventToolCall, ToolID: "toolu_01", ToolName: "f"}))
	assert.Contains(t, out, "toolu_01__thought__sig-0123456789")
}

func TestClaudeWriterPlainToolIDWithoutEncoding(t *testing.T) {
	w := NewClaudeWriter("msg_1", "m", false)
	w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"})

	out := string(w.Emit(Event{Type: EventToolCall, ToolID: "toolu_01", ToolName: "f"}))
	assert.Contains(t, out, `"id":"toolu_01"`)
	assert.NotContains(t, out, "__thought__")
}

func TestClaudeWriterCloseSynthesizesFinish(t *testing.T) {
	w := NewClaudeWriter("msg_1", "m", false)
	w.Emit(Event{Type: EventTextDelta, Text: "partial"})

	out := string(w.Close())
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, "message_stop")
	assert.False(t, w.SawFinish())
}

func TestOpenAIWriterChunks(t *testing.T) {
	w := NewOpenAIWriter("chatcmpl-1", "gpt-5", false)

	out := string(w.Emit(Event{Type: EventTextDelta, Text: "hi"}))
	assert.Contains(t, out, "chat.completion.chunk")
	assert.Contains(t, out, `"role":"assistant"`)
	assert.Contains(t, out, `"content":"hi"`)

	// Role only rides the first chunk.
	out = string(w.Emit(Event{Type: EventTextDelta, Text: "there"}))
	assert.NotContains(t, out, `"role"`)
}

func TestOpenAIWriterThinkingAsReasoningContent(t *testing.T) {
	w := NewOpenAIWriter("chatcmpl-1", "gpt-5", false)
	out := string(w.Emit(Event{Type: EventThinkingDelta, Text: "hmm"}))
	assert.Contains(t, out, `"reasoning_content":"hmm"`)
}

func TestOpenAIWriterFinishWithUsage(t *testing.T) {
	w := NewOpenAIWriter("chatcmpl-1", "gpt-5", false)
	w.Emit(Event{Type: EventUsage, Usage: &domain.Usage{InputTokens: 3, OutputTokens: 4}})

	out := string(w.Emit(Event{Type: EventFinish, StopReason: "max_tokens"}))
	assert.Contains(t, out, `"finish_reason":"length"`)
	assert.Contains(t, out, `"total_tokens":7`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestOpenAIWriterEncodesToolID(t *testing.T) {
	w := NewOpenAIWriter("chatcmpl-1", "gpt-5", true)
	w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"})

	out := string(w.Emit(Event{Type: EventToolCall, ToolID: "call_1", ToolName: "f", ToolArgs: map[string]interface{}{}}))
	assert.Contains(t, out, "call_1__thought__sig-0123456789")
}

func TestGeminiWriterNativeSignatureParts(t *testing.T) {
	w := NewGeminiWriter("gemini-2.5-pro")

	out := string(w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"}))
	assert.Contains(t, out, `"thoughtSignature":"sig-0123456789"`)
	assert.Contains(t, out, `"thought":true`)

	out = string(w.Emit(Event{Type: EventToolCall, ToolName: "f", ToolArgs: map[string]interface{}{"x": 1}, Signature: "sig-0123456789"}))
	assert.Contains(t, out, `"functionCall"`)
	assert.Contains(t, out, `"thoughtSignature"`)
}

func TestGeminiWriterFinish(t *testing.T) {
	w := NewGeminiWriter("gemini-2.5-pro")
	w.Emit(Event{Type: EventUsage, Usage: &domain.Usage{InputTokens: 2, OutputTokens: 8}})

	out := string(w.Emit(Event{Type: EventFinish, StopReason: "end_turn"}))
	assert.Contains(t, out, `"finishReason":"STOP"`)
	assert.Contains(t, out, `"promptTokenCount":2`)
	assert.True(t, w.SawFinish())
}

func TestNDJSONWriterTextAndToolUse(t *testing.T) {
	w := NewNDJSONWriter("conv-1")

	out := string(w.Emit(Event{Type: EventTextDelta, Text: "hello"}))
	assert.Contains(t, out, `"type":0`)
	assert.True(t, strings.HasSuffix(out, "\n"))

	w.Emit(Event{Type: EventSignature, Signature: "sig-0123456789"})
	out = string(w.Emit(Event{Type: EventToolCall, ToolID: "toolu_01", ToolName: "f", ToolArgs: map[string]interface{}{}}))
	// Text-finished precedes the tool-use node.
	finIdx := strings.Index(out, `"type":2`)
	toolIdx := strings.Index(out, `"type":5`)
	require.GreaterOrEqual(t, finIdx, 0)
	require.GreaterOrEqual(t, toolIdx, 0)
	assert.Less(t, finIdx, toolIdx)
	// Signatures always ride the tool id on this protocol.
	assert.Contains(t, out, "toolu_01__thought__sig-0123456789")
}

func TestNDJSONWriterDropsThinkingText(t *testing.T) {
	w := NewNDJSONWriter("conv-1")
	assert.Empty(t, w.Emit(Event{Type: EventThinkingDelta, Text: "hidden"}))
}

func TestNDJSONWriterCheckpointOnFinish(t *testing.T) {
	w := NewNDJSONWriter("conv-1")
	w.Emit(Event{Type: EventTextDelta, Text: "hi"})

	out := string(w.Emit(Event{Type: EventFinish}))
	assert.Contains(t, out, `"type":6`)
	assert.Contains(t, out, `"checkpoint_id":"conv-1"`)
	assert.Empty(t, w.Close())
}

func TestNDJSONWriterErrorAsSafetyNode(t *testing.T) {
	w := NewNDJSONWriter("conv-1")
	out := string(w.Emit(Event{Type: EventError, ErrMessage: "boom"}))
	assert.Contains(t, out, `"type":4`)
	assert.Contains(t, out, "boom")
}
