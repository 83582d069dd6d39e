package stream

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// Gemini streamGenerateContent chunk shapes, trimmed to what the state
// machine consumes.
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiChunkPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		CachedContentTokens  int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type geminiChunkPart struct {
	Text             string                 `json:"text"`
	Thought          bool                   `json:"thought"`
	ThoughtSignature string                 `json:"thoughtSignature"`
	FunctionCall     *geminiChunkFuncCall   `json:"functionCall"`
	InlineData       map[string]interface{} `json:"inlineData"`
}

type geminiChunkFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// GeminiParser turns Gemini stream chunks into normalized events.
type GeminiParser struct {
	finished bool
}

func NewGeminiParser() *GeminiParser {
	return &GeminiParser{}
}

func (p *GeminiParser) Parse(_ string, data []byte) ([]Event, error) {
	var chunk geminiChunk
	if err := jsonx.FastUnmarshal(data, &chunk); err != nil {
		return nil, err
	}

	var events []Event
	if chunk.Error != nil {
		events = append(events, Event{Type: EventError, ErrMessage: chunk.Error.Message})
		return events, nil
	}

	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				events = append(events, Event{
					Type:     EventToolCall,
					ToolID:   hashedToolCallID(part.FunctionCall.Name, part.FunctionCall.Args),
					ToolName: part.FunctionCall.Name,
					ToolArgs: part.FunctionCall.Args,
					// A signature can ride on the call part itself.
					Signature: part.ThoughtSignature,
				})
			case part.Thought:
				if part.Text != "" {
					events = append(events, Event{Type: EventThinkingDelta, Text: part.Text})
				}
				if part.ThoughtSignature != "" {
					events = append(events, Event{Type: EventSignature, Signature: part.ThoughtSignature})
				}
			case part.ThoughtSignature != "" && part.Text == "":
				// Observed upstream behavior: the signature can arrive as
				// a bare part with no thought flag.
				events = append(events, Event{Type: EventSignature, Signature: part.ThoughtSignature})
			case part.Text != "":
				if part.ThoughtSignature != "" {
					events = append(events, Event{Type: EventSignature, Signature: part.ThoughtSignature})
				}
				events = append(events, Event{Type: EventTextDelta, Text: part.Text})
			}
		}
		if cand.FinishReason != "" {
			p.finished = true
			events = append(events, Event{Type: EventFinish, StopReason: mapGeminiFinish(cand.FinishReason)})
		}
	}

	if chunk.UsageMetadata != nil {
		events = append(events, Event{Type: EventUsage, Usage: &domain.Usage{
			InputTokens:     chunk.UsageMetadata.PromptTokenCount,
			OutputTokens:    chunk.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: chunk.UsageMetadata.CachedContentTokens,
		}})
	}
	return events, nil
}

func (p *GeminiParser) Flush() []Event {
	return nil
}

func mapGeminiFinish(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// hashedToolCallID is the deterministic id for backends that do not
// issue ids on function calls.
func hashedToolCallID(name string, args map[string]interface{}) string {
	argBytes := jsonx.MustMarshal(args)
	sum := sha256.Sum256(append([]byte(name+":"), argBytes...))
	return "call_" + hex.EncodeToString(sum[:])[:24]
}
