package stream

import (
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// Anthropic SSE payload, flattened across event types.
type claudeSSEPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string `json:"id"`
		Usage *struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type  string                 `json:"type"`
		ID    string                 `json:"id"`
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ClaudeParser turns Anthropic SSE into normalized events, aggregating
// tool-call argument deltas until the block closes.
type ClaudeParser struct {
	usage domain.Usage

	toolOpen bool
	toolID   string
	toolName string
	toolArgs []byte
}

func NewClaudeParser() *ClaudeParser {
	return &ClaudeParser{}
}

func (p *ClaudeParser) Parse(_ string, data []byte) ([]Event, error) {
	var payload claudeSSEPayload
	if err := jsonx.FastUnmarshal(data, &payload); err != nil {
		return nil, err
	}

	switch payload.Type {
	case "message_start":
		if payload.Message != nil && payload.Message.Usage != nil {
			p.usage.InputTokens = payload.Message.Usage.InputTokens
			p.usage.CacheReadTokens = payload.Message.Usage.CacheReadInputTokens
			p.usage.CacheWriteTokens = payload.Message.Usage.CacheCreationInputTokens
		}
		return nil, nil

	case "content_block_start":
		if payload.ContentBlock != nil && payload.ContentBlock.Type == "tool_use" {
			p.toolOpen = true
			p.toolID = payload.ContentBlock.ID
			p.toolName = payload.ContentBlock.Name
			p.toolArgs = p.toolArgs[:0]
		}
		return nil, nil

	case "content_block_delta":
		if payload.Delta == nil {
			return nil, nil
		}
		switch payload.Delta.Type {
		case "text_delta":
			return []Event{{Type: EventTextDelta, Text: payload.Delta.Text}}, nil
		case "thinking_delta":
			return []Event{{Type: EventThinkingDelta, Text: payload.Delta.Thinking}}, nil
		case "signature_delta":
			return []Event{{Type: EventSignature, Signature: payload.Delta.Signature}}, nil
		case "input_json_delta":
			p.toolArgs = append(p.toolArgs, payload.Delta.PartialJSON...)
		}
		return nil, nil

	case "content_block_stop":
		return p.closeTool(), nil

	case "message_delta":
		var events []Event
		if payload.Usage != nil {
			p.usage.OutputTokens = payload.Usage.OutputTokens
		}
		if payload.Delta != nil && payload.Delta.StopReason != "" {
			u := p.usage
			events = append(events,
				Event{Type: EventUsage, Usage: &u},
				Event{Type: EventFinish, StopReason: payload.Delta.StopReason},
			)
		}
		return events, nil

	case "error":
		msg := "upstream error"
		if payload.Error != nil {
			msg = payload.Error.Message
		}
		return []Event{{Type: EventError, ErrMessage: msg}}, nil
	}

	return nil, nil
}

func (p *ClaudeParser) Flush() []Event {
	return p.closeTool()
}

func (p *ClaudeParser) closeTool() []Event {
	if !p.toolOpen {
		return nil
	}
	p.toolOpen = false

	args := map[string]interface{}{}
	if len(p.toolArgs) > 0 {
		_ = jsonx.FastUnmarshal(p.toolArgs, &args)
	}
	return []Event{{
		Type:     EventToolCall,
		ToolID:   p.toolID,
		ToolName: p.toolName,
		ToolArgs: args,
	}}
}
