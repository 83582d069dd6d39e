package converter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Anthropic messages wire types.

type claudeRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	System      json.RawMessage   `json:"system,omitempty"`
	Messages    []claudeMessage   `json:"messages"`
	Tools       []claudeTool      `json:"tools,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Thinking    *claudeThinking   `json:"thinking,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type claudeBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"` // redacted_thinking payload

	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      *claudeUsage  `json:"usage,omitempty"`
}

type claudeUsage struct {
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
	CacheRead     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreation int `json:"cache_creation_input_tokens,omitempty"`
}

// ClaudeDialect codes the Anthropic messages format.
type ClaudeDialect struct{}

func (d *ClaudeDialect) ParseRequest(body []byte) (*domain.Request, error) {
	var cr claudeRequest
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, err
	}

	req := &domain.Request{
		Model:       cr.Model,
		MaxTokens:   cr.MaxTokens,
		Stream:      cr.Stream,
		Temperature: cr.Temperature,
		TopP:        cr.TopP,
		System:      parseClaudeSystem(cr.System),
	}
	if cr.Thinking != nil && cr.Thinking.Type == "enabled" {
		req.Thinking = &domain.ThinkingConfig{Enabled: true, BudgetTokens: cr.Thinking.BudgetTokens}
	}
	for _, t := range cr.Tools {
		req.Tools = append(req.Tools, domain.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	for _, m := range cr.Messages {
		blocks, err := parseClaudeContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message role=%s: %w", m.Role, err)
		}
		req.Messages = append(req.Messages, domain.Message{Role: m.Role, Blocks: blocks})
	}
	return req, nil
}

func (d *ClaudeDialect) BuildRequest(req *domain.Request) ([]byte, error) {
	cr := claudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if cr.MaxTokens == 0 {
		cr.MaxTokens = 4096
	}
	if req.System != "" {
		cr.System, _ = json.Marshal(req.System)
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		cr.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}
	for _, t := range req.Tools {
		cr.Tools = append(cr.Tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: NormalizeToolSchema(t.Name, t.InputSchema),
		})
	}
	for _, m := range req.Messages {
		content, err := buildClaudeContent(m.Blocks)
		if err != nil {
			return nil, err
		}
		cr.Messages = append(cr.Messages, claudeMessage{Role: m.Role, Content: content})
	}
	return json.Marshal(cr)
}

func (d *ClaudeDialect) ParseResponse(body []byte) (*domain.Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, err
	}
	resp := &domain.Response{
		ID:         cr.ID,
		Model:      cr.Model,
		StopReason: cr.StopReason,
	}
	for _, b := range cr.Content {
		block, ok := claudeBlockToDomain(b)
		if ok {
			resp.Blocks = append(resp.Blocks, block)
		}
	}
	if cr.Usage != nil {
		resp.Usage = &domain.Usage{
			InputTokens:      cr.Usage.InputTokens,
			OutputTokens:     cr.Usage.OutputTokens,
			CacheReadTokens:  cr.Usage.CacheRead,
			CacheWriteTokens: cr.Usage.CacheCreation,
		}
	}
	return resp, nil
}

func (d *ClaudeDialect) BuildResponse(resp *domain.Response) ([]byte, error) {
	cr := claudeResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: claudeStopReason(resp.StopReason),
		Content:    []claudeBlock{},
	}
	for _, b := range resp.Blocks {
		if cb, ok := domainBlockToClaude(b); ok {
			cr.Content = append(cr.Content, cb)
		}
	}
	if resp.Usage != nil {
		cr.Usage = &claudeUsage{
			InputTokens:   resp.Usage.InputTokens,
			OutputTokens:  resp.Usage.OutputTokens,
			CacheRead:     resp.Usage.CacheReadTokens,
			CacheCreation: resp.Usage.CacheWriteTokens,
		}
	}
	return json.Marshal(cr)
}

// parseClaudeSystem accepts the system prompt as a string or a block list.
func parseClaudeSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []claudeBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// parseClaudeContent accepts content as a plain string or a block list.
func parseClaudeContent(raw json.RawMessage) ([]domain.Block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []domain.Block{domain.TextBlock(s)}, nil
	}
	var cbs []claudeBlock
	if err := json.Unmarshal(raw, &cbs); err != nil {
		return nil, err
	}
	var blocks []domain.Block
	for _, cb := range cbs {
		if b, ok := claudeBlockToDomain(cb); ok {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func claudeBlockToDomain(cb claudeBlock) (domain.Block, bool) {
	switch cb.Type {
	case "text":
		return domain.TextBlock(cb.Text), true
	case "thinking":
		return domain.Block{Type: domain.BlockThinking, Thinking: &domain.ThinkingBlock{
			Text:      cb.Thinking,
			Signature: cb.Signature,
		}}, true
	case "redacted_thinking":
		return domain.Block{Type: domain.BlockThinking, Thinking: &domain.ThinkingBlock{
			Text:     cb.Data,
			Redacted: true,
		}}, true
	case "tool_use":
		return domain.ToolUseBlock(cb.ID, cb.Name, cb.Input), true
	case "tool_result":
		var output interface{}
		if len(cb.Content) > 0 {
			_ = json.Unmarshal(cb.Content, &output)
		}
		return domain.Block{Type: domain.BlockToolResult, ToolResult: &domain.ToolResult{
			ToolUseID: cb.ToolUseID,
			Output:    output,
			IsError:   cb.IsError,
		}}, true
	case "image":
		if cb.Source == nil {
			return domain.Block{}, false
		}
		img := &domain.ImageBlock{MediaType: cb.Source.MediaType, Data: cb.Source.Data, URL: cb.Source.URL}
		return domain.Block{Type: domain.BlockImage, Image: img}, true
	}
	return domain.Block{}, false
}

func domainBlockToClaude(b domain.Block) (claudeBlock, bool) {
	switch b.Type {
	case domain.BlockText:
		return claudeBlock{Type: "text", Text: b.Text}, true
	case domain.BlockThinking:
		if b.Thinking.Redacted {
			return claudeBlock{Type: "redacted_thinking", Data: b.Thinking.Text}, true
		}
		return claudeBlock{Type: "thinking", Thinking: b.Thinking.Text, Signature: b.Thinking.Signature}, true
	case domain.BlockToolUse:
		input := b.ToolUse.Input
		if input == nil {
			input = map[string]interface{}{}
		}
		return claudeBlock{Type: "tool_use", ID: b.ToolUse.ID, Name: b.ToolUse.Name, Input: input}, true
	case domain.BlockToolResult:
		content, _ := json.Marshal(b.ToolResult.Output)
		return claudeBlock{Type: "tool_result", ToolUseID: b.ToolResult.ToolUseID, Content: content, IsError: b.ToolResult.IsError}, true
	case domain.BlockImage:
		src := &claudeImageSource{Type: "base64", MediaType: b.Image.MediaType, Data: b.Image.Data}
		if b.Image.URL != "" {
			src = &claudeImageSource{Type: "url", URL: b.Image.URL}
		}
		return claudeBlock{Type: "image", Source: src}, true
	}
	return claudeBlock{}, false
}

func buildClaudeContent(blocks []domain.Block) (json.RawMessage, error) {
	cbs := make([]claudeBlock, 0, len(blocks))
	for _, b := range blocks {
		if cb, ok := domainBlockToClaude(b); ok {
			cbs = append(cbs, cb)
		}
	}
	if len(cbs) == 0 {
		cbs = append(cbs, claudeBlock{Type: "text", Text: ""})
	}
	return json.Marshal(cbs)
}

func claudeStopReason(reason string) string {
	switch reason {
	case "", "stop", "end_turn", "STOP":
		return "end_turn"
	case "length", "max_tokens", "MAX_TOKENS":
		return "max_tokens"
	case "tool_calls", "tool_use":
		return "tool_use"
	default:
		return "end_turn"
	}
}
