package stream

import "github.com/awsl-project/agproxy/internal/signature"

// NDJSON node types on the IDE streaming protocol. Type 1 (tool result)
// only appears on the request side and is parsed by the handler.
const (
	NodeText         = 0
	NodeToolResult   = 1
	NodeTextFinished = 2
	NodeImage        = 3
	NodeSafety       = 4
	NodeToolUse      = 5
	NodeCheckpoint   = 6
)

// NDJSONWriter renders newline-delimited nodes for the IDE extension.
// The protocol has no signature slot at all, so every signature rides
// inside the encoded tool-use id. Thinking text is not part of the
// protocol and is dropped; its signature still reaches the next tool id.
type NDJSONWriter struct {
	checkpointID string

	finished     bool
	sawFinish    bool
	textFinished bool
	lastSig      string
}

func NewNDJSONWriter(checkpointID string) *NDJSONWriter {
	return &NDJSONWriter{checkpointID: checkpointID}
}

func (w *NDJSONWriter) Emit(ev Event) []byte {
	if w.finished {
		return nil
	}

	switch ev.Type {
	case EventThinkingDelta:
		return nil

	case EventSignature:
		w.lastSig = ev.Signature
		return nil

	case EventTextDelta:
		return ndjsonLine(map[string]interface{}{"type": NodeText, "text": ev.Text})

	case EventToolCall:
		var out []byte
		// Tool use implies the visible text turn is over.
		out = append(out, w.finishText()...)
		id := ev.ToolID
		sig := ev.Signature
		if sig == "" {
			sig = w.lastSig
		}
		if signature.Valid(sig) {
			id = signature.EncodeToolID(id, sig)
		}
		out = append(out, ndjsonLine(map[string]interface{}{
			"type": NodeToolUse,
			"tool_use": map[string]string{
				"tool_use_id": id,
				"tool_name":   ev.ToolName,
				"input_json":  mustJSONString(ev.ToolArgs),
			},
		})...)
		return out

	case EventUsage:
		return nil

	case EventFinish:
		w.sawFinish = true
		return w.terminate()

	case EventError:
		out := ndjsonLine(map[string]interface{}{
			"type":   NodeSafety,
			"safety": map[string]string{"reason": ev.ErrMessage},
		})
		w.finished = true
		return out
	}
	return nil
}

func (w *NDJSONWriter) Close() []byte {
	if w.finished {
		return nil
	}
	return w.terminate()
}

func (w *NDJSONWriter) SawFinish() bool {
	return w.sawFinish
}

func (w *NDJSONWriter) finishText() []byte {
	if w.textFinished {
		return nil
	}
	w.textFinished = true
	return ndjsonLine(map[string]interface{}{"type": NodeTextFinished})
}

func (w *NDJSONWriter) terminate() []byte {
	var out []byte
	out = append(out, w.finishText()...)
	out = append(out, ndjsonLine(map[string]interface{}{
		"type":          NodeCheckpoint,
		"checkpoint_id": w.checkpointID,
	})...)
	w.finished = true
	return out
}

func ndjsonLine(v interface{}) []byte {
	return append([]byte(mustJSONString(v)), '\n')
}
