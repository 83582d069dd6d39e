package handler

import (
	"fmt"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
	"github.com/awsl-project/agproxy/internal/stream"
)

// ndjsonRequest is the IDE extension's request envelope. History arrives
// as a flat node list; roles group consecutive nodes into turns.
type ndjsonRequest struct {
	Model        string                 `json:"model"`
	CheckpointID string                 `json:"checkpoint_id,omitempty"`
	System       string                 `json:"system,omitempty"`
	Nodes        []ndjsonNode           `json:"nodes"`
	Tools        []ndjsonTool           `json:"tools,omitempty"`
	Thinking     *domain.ThinkingConfig `json:"thinking,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
}

type ndjsonNode struct {
	Type int    `json:"type"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	ToolUse    *ndjsonToolUse    `json:"tool_use,omitempty"`
	ToolResult *ndjsonToolResult `json:"tool_result,omitempty"`
	Image      *ndjsonImage      `json:"image,omitempty"`
}

type ndjsonToolUse struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	InputJSON string `json:"input_json,omitempty"`
}

type ndjsonToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type ndjsonImage struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type ndjsonTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// parseNDJSONRequest turns the node list into the normalized request.
// Encoded tool-use ids are passed through untouched; the sanitizer owns
// decoding and signature recovery.
func parseNDJSONRequest(body []byte) (*domain.Request, string, error) {
	var nr ndjsonRequest
	if err := jsonx.SafeUnmarshal(body, &nr); err != nil {
		return nil, "", err
	}
	if len(nr.Nodes) == 0 {
		return nil, "", fmt.Errorf("%w: empty node list", domain.ErrInvalidInput)
	}

	req := &domain.Request{
		Model:     nr.Model,
		System:    nr.System,
		Thinking:  nr.Thinking,
		MaxTokens: nr.MaxTokens,
		Stream:    true,
	}
	for _, t := range nr.Tools {
		req.Tools = append(req.Tools, domain.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	var cur *domain.Message
	flush := func() {
		if cur != nil && len(cur.Blocks) > 0 {
			req.Messages = append(req.Messages, *cur)
		}
		cur = nil
	}
	turn := func(role string) *domain.Message {
		if cur == nil || cur.Role != role {
			flush()
			cur = &domain.Message{Role: role}
		}
		return cur
	}

	for i, node := range nr.Nodes {
		switch node.Type {
		case stream.NodeText:
			role := node.Role
			if role == "" {
				role = "user"
			}
			m := turn(role)
			m.Blocks = append(m.Blocks, domain.TextBlock(node.Text))

		case stream.NodeToolUse:
			if node.ToolUse == nil {
				return nil, "", fmt.Errorf("%w: node %d: tool_use payload missing", domain.ErrInvalidInput, i)
			}
			input := map[string]interface{}{}
			if node.ToolUse.InputJSON != "" {
				if err := jsonx.SafeUnmarshal([]byte(node.ToolUse.InputJSON), &input); err != nil {
					return nil, "", fmt.Errorf("%w: node %d: bad input_json", domain.ErrInvalidInput, i)
				}
			}
			m := turn("assistant")
			m.Blocks = append(m.Blocks, domain.ToolUseBlock(node.ToolUse.ToolUseID, node.ToolUse.ToolName, input))

		case stream.NodeToolResult:
			if node.ToolResult == nil {
				return nil, "", fmt.Errorf("%w: node %d: tool_result payload missing", domain.ErrInvalidInput, i)
			}
			m := turn("user")
			block := domain.ToolResultBlock(node.ToolResult.ToolUseID, node.ToolResult.Content)
			block.ToolResult.IsError = node.ToolResult.IsError
			m.Blocks = append(m.Blocks, block)

		case stream.NodeImage:
			if node.Image == nil {
				return nil, "", fmt.Errorf("%w: node %d: image payload missing", domain.ErrInvalidInput, i)
			}
			role := node.Role
			if role == "" {
				role = "user"
			}
			m := turn(role)
			m.Blocks = append(m.Blocks, domain.ImageBlockOf(node.Image.MediaType, node.Image.Data))

		case stream.NodeTextFinished, stream.NodeCheckpoint, stream.NodeSafety:
			// Response-side markers; ignore them on replay.

		default:
			return nil, "", fmt.Errorf("%w: node %d: unknown type %d", domain.ErrInvalidInput, i, node.Type)
		}
	}
	flush()

	return req, nr.CheckpointID, nil
}
