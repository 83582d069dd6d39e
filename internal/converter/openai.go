package converter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awsl-project/agproxy/internal/domain"
)

// OpenAI chat-completions wire types.

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
}

type openaiMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	// Extended reasoning is carried out-of-band; there is no native
	// thinking representation and signatures are lost on this boundary.
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	Name             string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiToolFuncDef `json:"function"`
}

type openaiToolFuncDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiContentItem struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIDialect codes the OpenAI chat-completions format.
type OpenAIDialect struct{}

func (d *OpenAIDialect) ParseRequest(body []byte) (*domain.Request, error) {
	var or openaiRequest
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, err
	}

	req := &domain.Request{
		Model:       or.Model,
		MaxTokens:   or.MaxTokens,
		Stream:      or.Stream,
		Temperature: or.Temperature,
		TopP:        or.TopP,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = or.MaxCompletionTokens
	}
	for _, t := range or.Tools {
		req.Tools = append(req.Tools, domain.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	for _, m := range or.Messages {
		switch m.Role {
		case "system", "developer":
			text := openaiContentText(m.Content)
			if req.System == "" {
				req.System = text
			} else {
				req.System += "\n" + text
			}
		case "tool":
			// Tool replies fold into a user turn as tool_result blocks.
			var output interface{} = openaiContentText(m.Content)
			block := domain.ToolResultBlock(m.ToolCallID, output)
			if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "user" && hasOnlyToolResults(req.Messages[n-1].Blocks) {
				req.Messages[n-1].Blocks = append(req.Messages[n-1].Blocks, block)
			} else {
				req.Messages = append(req.Messages, domain.Message{Role: "user", Blocks: []domain.Block{block}})
			}
		default:
			msg := domain.Message{Role: m.Role}
			if m.ReasoningContent != "" {
				msg.Blocks = append(msg.Blocks, domain.ThinkingBlockOf(m.ReasoningContent, ""))
			}
			msg.Blocks = append(msg.Blocks, openaiContentBlocks(m.Content)...)
			for _, tc := range m.ToolCalls {
				input := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				}
				msg.Blocks = append(msg.Blocks, domain.ToolUseBlock(tc.ID, tc.Function.Name, input))
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	return req, nil
}

func (d *OpenAIDialect) BuildRequest(req *domain.Request) ([]byte, error) {
	or := openaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	for _, t := range req.Tools {
		or.Tools = append(or.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFuncDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  NormalizeToolSchema(t.Name, t.InputSchema),
			},
		})
	}
	if req.System != "" {
		content, _ := json.Marshal(req.System)
		or.Messages = append(or.Messages, openaiMessage{Role: "system", Content: content})
	}

	for _, m := range req.Messages {
		var texts []string
		var items []openaiContentItem
		var reasoning []string
		var toolCalls []openaiToolCall
		var toolResults []*domain.ToolResult

		for _, b := range m.Blocks {
			switch b.Type {
			case domain.BlockText:
				texts = append(texts, b.Text)
				items = append(items, openaiContentItem{Type: "text", Text: b.Text})
			case domain.BlockThinking:
				reasoning = append(reasoning, b.Thinking.Text)
			case domain.BlockToolUse:
				args, _ := json.Marshal(b.ToolUse.Input)
				toolCalls = append(toolCalls, openaiToolCall{
					ID:   b.ToolUse.ID,
					Type: "function",
					Function: openaiFunction{
						Name:      b.ToolUse.Name,
						Arguments: string(args),
					},
				})
			case domain.BlockToolResult:
				toolResults = append(toolResults, b.ToolResult)
			case domain.BlockImage:
				url := b.Image.URL
				if url == "" {
					url = fmt.Sprintf("data:%s;base64,%s", b.Image.MediaType, b.Image.Data)
				}
				items = append(items, openaiContentItem{Type: "image_url", ImageURL: &openaiImageURL{URL: url}})
			}
		}

		// Tool results become standalone tool-role messages.
		for _, tr := range toolResults {
			content, _ := json.Marshal(toolResultText(tr.Output))
			or.Messages = append(or.Messages, openaiMessage{
				Role:       "tool",
				ToolCallID: tr.ToolUseID,
				Content:    content,
			})
		}
		// A turn that held only tool results is fully represented by the
		// tool-role messages above.
		if len(toolResults) > 0 && len(items) == 0 && len(toolCalls) == 0 && len(reasoning) == 0 {
			continue
		}

		om := openaiMessage{Role: m.Role, ToolCalls: toolCalls}
		if len(reasoning) > 0 {
			om.ReasoningContent = strings.Join(reasoning, "\n")
		}
		hasImage := len(items) > len(texts)
		if hasImage {
			om.Content, _ = json.Marshal(items)
		} else {
			text := strings.Join(texts, "\n")
			if text == "" && len(toolCalls) == 0 && om.ReasoningContent == "" {
				text = " "
			}
			if text != "" || len(toolCalls) == 0 {
				om.Content, _ = json.Marshal(text)
			}
		}
		or.Messages = append(or.Messages, om)
	}
	return json.Marshal(or)
}

func (d *OpenAIDialect) ParseResponse(body []byte) (*domain.Response, error) {
	var or openaiResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, err
	}
	resp := &domain.Response{ID: or.ID, Model: or.Model}
	if len(or.Choices) > 0 {
		choice := or.Choices[0]
		resp.StopReason = choice.FinishReason
		if choice.Message.ReasoningContent != "" {
			resp.Blocks = append(resp.Blocks, domain.ThinkingBlockOf(choice.Message.ReasoningContent, ""))
		}
		if text := openaiContentText(choice.Message.Content); text != "" {
			resp.Blocks = append(resp.Blocks, domain.TextBlock(text))
		}
		for _, tc := range choice.Message.ToolCalls {
			input := map[string]interface{}{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			}
			resp.Blocks = append(resp.Blocks, domain.ToolUseBlock(tc.ID, tc.Function.Name, input))
		}
	}
	if or.Usage != nil {
		resp.Usage = &domain.Usage{
			InputTokens:  or.Usage.PromptTokens,
			OutputTokens: or.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

func (d *OpenAIDialect) BuildResponse(resp *domain.Response) ([]byte, error) {
	msg := openaiMessage{Role: "assistant"}
	var texts []string
	var reasoning []string
	for _, b := range resp.Blocks {
		switch b.Type {
		case domain.BlockText:
			texts = append(texts, b.Text)
		case domain.BlockThinking:
			reasoning = append(reasoning, b.Thinking.Text)
		case domain.BlockToolUse:
			args, _ := json.Marshal(b.ToolUse.Input)
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:   b.ToolUse.ID,
				Type: "function",
				Function: openaiFunction{
					Name:      b.ToolUse.Name,
					Arguments: string(args),
				},
			})
		}
	}
	msg.Content, _ = json.Marshal(strings.Join(texts, ""))
	msg.ReasoningContent = strings.Join(reasoning, "")

	finish := "stop"
	switch resp.StopReason {
	case "max_tokens", "length", "MAX_TOKENS":
		finish = "length"
	case "tool_use", "tool_calls":
		finish = "tool_calls"
	}

	or := openaiResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []openaiChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
	}
	if resp.Usage != nil {
		or.Usage = &openaiUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return json.Marshal(or)
}

// openaiContentText flattens string-or-items content into plain text.
func openaiContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var items []openaiContentItem
	if json.Unmarshal(raw, &items) == nil {
		var parts []string
		for _, it := range items {
			if it.Type == "text" && it.Text != "" {
				parts = append(parts, it.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// openaiContentBlocks preserves images when content is an item list.
func openaiContentBlocks(raw json.RawMessage) []domain.Block {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []domain.Block{domain.TextBlock(s)}
	}
	var items []openaiContentItem
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	var blocks []domain.Block
	for _, it := range items {
		switch it.Type {
		case "text":
			blocks = append(blocks, domain.TextBlock(it.Text))
		case "image_url":
			if it.ImageURL == nil {
				continue
			}
			if mediaType, data, ok := parseDataURL(it.ImageURL.URL); ok {
				blocks = append(blocks, domain.ImageBlockOf(mediaType, data))
			} else {
				blocks = append(blocks, domain.Block{Type: domain.BlockImage, Image: &domain.ImageBlock{URL: it.ImageURL.URL}})
			}
		}
	}
	return blocks
}

// parseDataURL splits data:<mediatype>;base64,<payload> without touching
// the payload bytes.
func parseDataURL(url string) (string, string, bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func toolResultText(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func hasOnlyToolResults(blocks []domain.Block) bool {
	for _, b := range blocks {
		if b.Type != domain.BlockToolResult {
			return false
		}
	}
	return len(blocks) > 0
}
