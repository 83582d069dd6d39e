package stream

import (
	"sort"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

type openaiChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type openaiToolAgg struct {
	id   string
	name string
	args []byte
}

// OpenAIParser turns chat-completion chunks into normalized events.
// Tool-call argument fragments aggregate per index and fire as one
// EventToolCall when the stream finishes (or a finish_reason arrives).
type OpenAIParser struct {
	tools map[int]*openaiToolAgg
}

func NewOpenAIParser() *OpenAIParser {
	return &OpenAIParser{tools: make(map[int]*openaiToolAgg)}
}

func (p *OpenAIParser) Parse(_ string, data []byte) ([]Event, error) {
	var chunk openaiChunk
	if err := jsonx.FastUnmarshal(data, &chunk); err != nil {
		return nil, err
	}

	var events []Event
	if chunk.Error != nil {
		return []Event{{Type: EventError, ErrMessage: chunk.Error.Message}}, nil
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.ReasoningContent != "" {
			events = append(events, Event{Type: EventThinkingDelta, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			events = append(events, Event{Type: EventTextDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			agg, ok := p.tools[tc.Index]
			if !ok {
				agg = &openaiToolAgg{}
				p.tools[tc.Index] = agg
			}
			if tc.ID != "" {
				agg.id = tc.ID
			}
			if tc.Function.Name != "" {
				agg.name = tc.Function.Name
			}
			agg.args = append(agg.args, tc.Function.Arguments...)
		}
		if choice.FinishReason != "" {
			events = append(events, p.flushTools()...)
			events = append(events, Event{Type: EventFinish, StopReason: mapOpenAIFinish(choice.FinishReason)})
		}
	}

	if chunk.Usage != nil {
		events = append(events, Event{Type: EventUsage, Usage: &domain.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}})
	}
	return events, nil
}

func (p *OpenAIParser) Flush() []Event {
	return p.flushTools()
}

func (p *OpenAIParser) flushTools() []Event {
	if len(p.tools) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(p.tools))
	for idx := range p.tools {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var events []Event
	for _, idx := range indexes {
		agg := p.tools[idx]
		args := map[string]interface{}{}
		if len(agg.args) > 0 {
			_ = jsonx.FastUnmarshal(agg.args, &args)
		}
		id := agg.id
		if id == "" {
			id = hashedToolCallID(agg.name, args)
		}
		events = append(events, Event{
			Type:     EventToolCall,
			ToolID:   id,
			ToolName: agg.name,
			ToolArgs: args,
		})
	}
	p.tools = make(map[int]*openaiToolAgg)
	return events
}

func mapOpenAIFinish(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}
