package stream

import (
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/signature"
)

// OpenAIWriter renders chat.completion.chunk frames. Thinking deltas go
// out as reasoning_content; signatures have no slot in this dialect, so
// the latest one is folded into tool-call ids when id encoding is on.
type OpenAIWriter struct {
	messageID string
	model     string
	encodeIDs bool

	created   int64
	started   bool
	finished  bool
	sawFinish bool
	toolIndex int
	lastSig   string
	usage     *domain.Usage
}

func NewOpenAIWriter(messageID, model string, encodeIDs bool) *OpenAIWriter {
	return &OpenAIWriter{
		messageID: messageID,
		model:     model,
		encodeIDs: encodeIDs,
		created:   time.Now().Unix(),
	}
}

func (w *OpenAIWriter) Emit(ev Event) []byte {
	if w.finished {
		return nil
	}

	switch ev.Type {
	case EventThinkingDelta:
		return w.chunk(map[string]interface{}{"reasoning_content": ev.Text}, "")

	case EventSignature:
		w.lastSig = ev.Signature
		return nil

	case EventTextDelta:
		return w.chunk(map[string]interface{}{"content": ev.Text}, "")

	case EventToolCall:
		id := ev.ToolID
		sig := ev.Signature
		if sig == "" {
			sig = w.lastSig
		}
		if w.encodeIDs && signature.Valid(sig) {
			id = signature.EncodeToolID(id, sig)
		}
		delta := map[string]interface{}{
			"tool_calls": []map[string]interface{}{{
				"index": w.toolIndex,
				"id":    id,
				"type":  "function",
				"function": map[string]string{
					"name":      ev.ToolName,
					"arguments": mustJSONString(ev.ToolArgs),
				},
			}},
		}
		w.toolIndex++
		return w.chunk(delta, "")

	case EventUsage:
		w.usage = ev.Usage
		return nil

	case EventFinish:
		w.sawFinish = true
		return w.terminate(openaiFinishReason(ev.StopReason))

	case EventError:
		w.finished = true
		return FormatSSE("", map[string]interface{}{
			"error": map[string]string{"message": ev.ErrMessage, "type": "api_error"},
		})
	}
	return nil
}

func (w *OpenAIWriter) Close() []byte {
	if w.finished {
		return nil
	}
	return w.terminate("stop")
}

func (w *OpenAIWriter) SawFinish() bool {
	return w.sawFinish
}

func (w *OpenAIWriter) chunk(delta map[string]interface{}, finishReason string) []byte {
	if !w.started {
		w.started = true
		delta["role"] = "assistant"
	}
	choice := map[string]interface{}{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	}
	return FormatSSE("", map[string]interface{}{
		"id":      w.messageID,
		"object":  "chat.completion.chunk",
		"created": w.created,
		"model":   w.model,
		"choices": []interface{}{choice},
	})
}

func (w *OpenAIWriter) terminate(finishReason string) []byte {
	var out []byte
	out = append(out, w.chunk(map[string]interface{}{}, finishReason)...)
	if w.usage != nil {
		out = append(out, FormatSSE("", map[string]interface{}{
			"id":      w.messageID,
			"object":  "chat.completion.chunk",
			"created": w.created,
			"model":   w.model,
			"choices": []interface{}{},
			"usage": map[string]int{
				"prompt_tokens":     w.usage.InputTokens,
				"completion_tokens": w.usage.OutputTokens,
				"total_tokens":      w.usage.InputTokens + w.usage.OutputTokens,
			},
		})...)
	}
	out = append(out, FormatDone()...)
	w.finished = true
	return out
}

func openaiFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
