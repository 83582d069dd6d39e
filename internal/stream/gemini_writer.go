package stream

import "github.com/awsl-project/agproxy/internal/domain"

// GeminiWriter renders streamGenerateContent chunks. Gemini carries
// signatures natively on parts, so nothing is folded into tool ids.
type GeminiWriter struct {
	model string

	finished  bool
	sawFinish bool
	usage     *domain.Usage
}

func NewGeminiWriter(model string) *GeminiWriter {
	return &GeminiWriter{model: model}
}

func (w *GeminiWriter) Emit(ev Event) []byte {
	if w.finished {
		return nil
	}

	switch ev.Type {
	case EventThinkingDelta:
		return w.chunk(map[string]interface{}{"text": ev.Text, "thought": true}, "")

	case EventSignature:
		return w.chunk(map[string]interface{}{"thoughtSignature": ev.Signature, "thought": true}, "")

	case EventTextDelta:
		return w.chunk(map[string]interface{}{"text": ev.Text}, "")

	case EventToolCall:
		part := map[string]interface{}{
			"functionCall": map[string]interface{}{
				"name": ev.ToolName,
				"args": ev.ToolArgs,
			},
		}
		if ev.Signature != "" {
			part["thoughtSignature"] = ev.Signature
		}
		return w.chunk(part, "")

	case EventUsage:
		w.usage = ev.Usage
		return nil

	case EventFinish:
		w.sawFinish = true
		return w.terminate(geminiFinishReason(ev.StopReason))

	case EventError:
		w.finished = true
		return FormatSSE("", map[string]interface{}{
			"error": map[string]interface{}{"code": 500, "message": ev.ErrMessage, "status": "INTERNAL"},
		})
	}
	return nil
}

func (w *GeminiWriter) Close() []byte {
	if w.finished {
		return nil
	}
	return w.terminate("STOP")
}

func (w *GeminiWriter) SawFinish() bool {
	return w.sawFinish
}

func (w *GeminiWriter) chunk(part map[string]interface{}, finishReason string) []byte {
	cand := map[string]interface{}{
		"content": map[string]interface{}{
			"parts": []interface{}{part},
			"role":  "model",
		},
		"index": 0,
	}
	if finishReason != "" {
		cand["finishReason"] = finishReason
	}
	body := map[string]interface{}{
		"candidates":   []interface{}{cand},
		"modelVersion": w.model,
	}
	if finishReason != "" && w.usage != nil {
		body["usageMetadata"] = map[string]int{
			"promptTokenCount":     w.usage.InputTokens,
			"candidatesTokenCount": w.usage.OutputTokens,
			"totalTokenCount":      w.usage.InputTokens + w.usage.OutputTokens,
		}
	}
	return FormatSSE("", body)
}

func (w *GeminiWriter) terminate(finishReason string) []byte {
	out := w.chunk(map[string]interface{}{"text": ""}, finishReason)
	w.finished = true
	return out
}

func geminiFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "MAX_TOKENS"
	case "tool_use":
		return "STOP"
	default:
		return "STOP"
	}
}
