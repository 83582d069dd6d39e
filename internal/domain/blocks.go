package domain

import "strings"

// BlockType tags the content-block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ThinkingBlock is a model's extended-reasoning block. The signature binds
// the block to the upstream session that produced it; an empty Text with a
// non-empty Signature is a trailing-signature marker and is kept as-is.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

// ToolUse is a model-requested tool invocation.
type ToolUse struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult is the client's reply to a ToolUse, matched by ToolUseID.
type ToolResult struct {
	ToolUseID string      `json:"tool_use_id"`
	Output    interface{} `json:"output"`
	IsError   bool        `json:"is_error,omitempty"`
}

// ImageBlock carries a base64 payload. Payloads are passed through
// translations without re-encoding.
type ImageBlock struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url,omitempty"`
}

// Block is the tagged union of content blocks. Exactly the field matching
// Type is populated; Text lives inline since it is the common case.
type Block struct {
	Type       BlockType
	Text       string
	Thinking   *ThinkingBlock
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Image      *ImageBlock
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

func ThinkingBlockOf(text, signature string) Block {
	return Block{Type: BlockThinking, Thinking: &ThinkingBlock{Text: text, Signature: signature}}
}

func ToolUseBlock(id, name string, input map[string]interface{}) Block {
	return Block{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

func ToolResultBlock(toolUseID string, output interface{}) Block {
	return Block{Type: BlockToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Output: output}}
}

func ImageBlockOf(mediaType, data string) Block {
	return Block{Type: BlockImage, Image: &ImageBlock{MediaType: mediaType, Data: data}}
}

// Message is one conversation turn in the normalized representation.
type Message struct {
	Role   string  `json:"role"` // "user", "assistant", "system"
	Blocks []Block `json:"blocks"`
}

// IsEmpty reports whether the message carries no usable content.
func (m *Message) IsEmpty() bool {
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			if strings.TrimSpace(b.Text) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Tool is a tool declaration in the normalized representation.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ThinkingConfig mirrors the client's extended-thinking request knobs.
type ThinkingConfig struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens int  `json:"budget_tokens,omitempty"`
}

// Request is the normalized inbound request every dialect parses into.
type Request struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    *ThinkingConfig `json:"thinking,omitempty"`
}

// Response is the normalized non-streaming response.
type Response struct {
	ID         string  `json:"id"`
	Model      string  `json:"model"`
	Blocks     []Block `json:"blocks"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Usage is the token accounting attached to a response.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_creation_input_tokens,omitempty"`
}
