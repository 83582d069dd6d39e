package stream

import (
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/signature"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
)

// ClaudeWriter renders the Anthropic SSE lifecycle: message_start, then
// content blocks opened and closed as the event stream dictates, then
// message_delta/message_stop. A signature captured while a thinking
// block is open is held and emitted as a signature_delta right before
// the block closes; a signature with no open block becomes a standalone
// empty thinking block (the trailing-signature case).
type ClaudeWriter struct {
	messageID string
	model     string
	encodeIDs bool

	started    bool
	finished   bool
	sawFinish  bool
	block      blockKind
	index      int
	pendingSig string
	lastSig    string
	usage      *domain.Usage
}

func NewClaudeWriter(messageID, model string, encodeIDs bool) *ClaudeWriter {
	return &ClaudeWriter{messageID: messageID, model: model, encodeIDs: encodeIDs}
}

func (w *ClaudeWriter) Emit(ev Event) []byte {
	if w.finished {
		return nil
	}
	var out []byte
	out = append(out, w.ensureStarted()...)

	switch ev.Type {
	case EventThinkingDelta:
		if w.block != blockThinking {
			out = append(out, w.closeBlock()...)
			out = append(out, w.openBlock("thinking")...)
		}
		out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": w.index,
			"delta": map[string]string{"type": "thinking_delta", "thinking": ev.Text},
		})...)

	case EventSignature:
		w.lastSig = ev.Signature
		if w.block == blockThinking {
			w.pendingSig = ev.Signature
			return out
		}
		// Trailing signature: no thinking block open. Emit a minimal one
		// so the client can round-trip the signature.
		out = append(out, w.closeBlock()...)
		out = append(out, w.openBlock("thinking")...)
		w.pendingSig = ev.Signature
		out = append(out, w.closeBlock()...)

	case EventTextDelta:
		if w.block != blockText {
			out = append(out, w.closeBlock()...)
			out = append(out, w.openBlock("text")...)
		}
		out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": w.index,
			"delta": map[string]string{"type": "text_delta", "text": ev.Text},
		})...)

	case EventToolCall:
		out = append(out, w.closeBlock()...)
		id := ev.ToolID
		sig := ev.Signature
		if sig == "" {
			sig = w.lastSig
		}
		if w.encodeIDs && signature.Valid(sig) {
			id = signature.EncodeToolID(id, sig)
		}
		out = append(out, FormatSSE("content_block_start", map[string]interface{}{
			"type":  "content_block_start",
			"index": w.index,
			"content_block": map[string]interface{}{
				"type":  "tool_use",
				"id":    id,
				"name":  ev.ToolName,
				"input": map[string]interface{}{},
			},
		})...)
		args := ev.ToolArgs
		if args == nil {
			args = map[string]interface{}{}
		}
		out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": w.index,
			"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": mustJSONString(args)},
		})...)
		out = append(out, FormatSSE("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": w.index,
		})...)
		w.index++

	case EventUsage:
		w.usage = ev.Usage

	case EventFinish:
		w.sawFinish = true
		out = append(out, w.terminate(ev.StopReason)...)

	case EventError:
		out = append(out, FormatSSE("error", map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "api_error", "message": ev.ErrMessage},
		})...)
		w.finished = true
	}
	return out
}

func (w *ClaudeWriter) Close() []byte {
	if w.finished {
		return nil
	}
	var out []byte
	out = append(out, w.ensureStarted()...)
	out = append(out, w.terminate("end_turn")...)
	return out
}

func (w *ClaudeWriter) SawFinish() bool {
	return w.sawFinish
}

func (w *ClaudeWriter) ensureStarted() []byte {
	if w.started {
		return nil
	}
	w.started = true
	return FormatSSE("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            w.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         w.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (w *ClaudeWriter) openBlock(kind string) []byte {
	cb := map[string]interface{}{"type": kind}
	switch kind {
	case "thinking":
		w.block = blockThinking
		cb["thinking"] = ""
	case "text":
		w.block = blockText
		cb["text"] = ""
	}
	return FormatSSE("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         w.index,
		"content_block": cb,
	})
}

func (w *ClaudeWriter) closeBlock() []byte {
	if w.block == blockNone {
		return nil
	}
	var out []byte
	if w.block == blockThinking && w.pendingSig != "" {
		out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": w.index,
			"delta": map[string]string{"type": "signature_delta", "signature": w.pendingSig},
		})...)
		w.pendingSig = ""
	}
	out = append(out, FormatSSE("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": w.index,
	})...)
	w.block = blockNone
	w.index++
	return out
}

func (w *ClaudeWriter) terminate(stopReason string) []byte {
	var out []byte
	out = append(out, w.closeBlock()...)

	usage := map[string]int{"output_tokens": 0}
	if w.usage != nil {
		usage["input_tokens"] = w.usage.InputTokens
		usage["output_tokens"] = w.usage.OutputTokens
	}
	out = append(out, FormatSSE("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": usage,
	})...)
	out = append(out, FormatSSE("message_stop", map[string]interface{}{
		"type": "message_stop",
	})...)
	w.finished = true
	return out
}
