package converter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Gemini-native wire types.

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecl `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	Thought          bool                `json:"thought,omitempty"`
	ThoughtSignature string              `json:"thoughtSignature,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
	CachedContentTokens  int `json:"cachedContentTokenCount,omitempty"`
}

// GeminiDialect codes the Gemini generateContent format.
type GeminiDialect struct{}

func (d *GeminiDialect) ParseRequest(body []byte) (*domain.Request, error) {
	var gr geminiRequest
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, err
	}

	req := &domain.Request{}
	if gr.SystemInstruction != nil {
		for _, p := range gr.SystemInstruction.Parts {
			if p.Text != "" {
				if req.System != "" {
					req.System += "\n"
				}
				req.System += p.Text
			}
		}
	}
	if gc := gr.GenerationConfig; gc != nil {
		req.MaxTokens = gc.MaxOutputTokens
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		if gc.ThinkingConfig != nil && gc.ThinkingConfig.IncludeThoughts {
			req.Thinking = &domain.ThinkingConfig{Enabled: true, BudgetTokens: gc.ThinkingConfig.ThinkingBudget}
		}
	}
	for _, t := range gr.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, domain.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				InputSchema: fd.Parameters,
			})
		}
	}

	// functionResponse parts carry only a name; pair them back to the
	// latest call with that name so ids line up across the history.
	lastCallID := make(map[string]string)
	for _, c := range gr.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		msg := domain.Message{Role: role}
		for _, p := range c.Parts {
			for _, b := range geminiPartToBlocks(p) {
				switch b.Type {
				case domain.BlockToolUse:
					lastCallID[b.ToolUse.Name] = b.ToolUse.ID
				case domain.BlockToolResult:
					if id, ok := lastCallID[b.ToolResult.ToolUseID]; ok {
						b.ToolResult.ToolUseID = id
					}
				}
				msg.Blocks = append(msg.Blocks, b)
			}
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func (d *GeminiDialect) BuildRequest(req *domain.Request) ([]byte, error) {
	gr := geminiRequest{}
	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	gc := &geminiGenConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		gc.ThinkingConfig = &geminiThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  req.Thinking.BudgetTokens,
		}
	}
	gr.GenerationConfig = gc

	if len(req.Tools) > 0 {
		decl := geminiToolDecl{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, geminiFuncDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  NormalizeToolSchema(t.Name, t.InputSchema),
			})
		}
		gr.Tools = append(gr.Tools, decl)
	}

	// functionResponse matches by name, not id; recover names from the
	// tool calls earlier in the history.
	toolNames := make(map[string]string)
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			if b.Type == domain.BlockToolUse {
				toolNames[b.ToolUse.ID] = b.ToolUse.Name
			}
		}
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role}
		for _, b := range m.Blocks {
			if p, ok := blockToGeminiPart(b, toolNames); ok {
				content.Parts = append(content.Parts, p)
			}
		}
		if len(content.Parts) == 0 {
			content.Parts = append(content.Parts, geminiPart{Text: " "})
		}
		gr.Contents = append(gr.Contents, content)
	}
	return json.Marshal(gr)
}

func (d *GeminiDialect) ParseResponse(body []byte) (*domain.Response, error) {
	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, err
	}
	resp := &domain.Response{ID: gr.ResponseID, Model: gr.ModelVersion}
	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0]
		resp.StopReason = cand.FinishReason
		for _, p := range cand.Content.Parts {
			resp.Blocks = append(resp.Blocks, geminiPartToBlocks(p)...)
		}
	}
	if gr.UsageMetadata != nil {
		resp.Usage = &domain.Usage{
			InputTokens:     gr.UsageMetadata.PromptTokenCount,
			OutputTokens:    gr.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: gr.UsageMetadata.CachedContentTokens,
		}
	}
	return resp, nil
}

func (d *GeminiDialect) BuildResponse(resp *domain.Response) ([]byte, error) {
	content := geminiContent{Role: "model"}
	toolNames := make(map[string]string)
	for _, b := range resp.Blocks {
		if p, ok := blockToGeminiPart(b, toolNames); ok {
			content.Parts = append(content.Parts, p)
		}
	}
	finish := "STOP"
	switch resp.StopReason {
	case "max_tokens", "length":
		finish = "MAX_TOKENS"
	}
	gr := geminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		Candidates:   []geminiCandidate{{Content: content, FinishReason: finish}},
	}
	if resp.Usage != nil {
		gr.UsageMetadata = &geminiUsage{
			PromptTokenCount:     resp.Usage.InputTokens,
			CandidatesTokenCount: resp.Usage.OutputTokens,
			TotalTokenCount:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CachedContentTokens:  resp.Usage.CacheReadTokens,
		}
	}
	return json.Marshal(gr)
}

// geminiPartToBlocks maps one part onto the tagged union. A part with a
// signature but no thought flag is a trailing-signature marker from the
// upstream; it becomes an empty thinking block.
func geminiPartToBlocks(p geminiPart) []domain.Block {
	switch {
	case p.FunctionCall != nil:
		return []domain.Block{domain.ToolUseBlock(
			GeminiToolCallID(p.FunctionCall.Name, p.FunctionCall.Args),
			p.FunctionCall.Name,
			p.FunctionCall.Args,
		)}
	case p.FunctionResponse != nil:
		var output interface{} = p.FunctionResponse.Response
		if p.FunctionResponse.Response != nil {
			if result, ok := p.FunctionResponse.Response["result"]; ok {
				output = result
			}
		}
		// Provisional id; ParseRequest rewires it to the matching call.
		return []domain.Block{domain.ToolResultBlock(p.FunctionResponse.Name, output)}
	case p.InlineData != nil:
		return []domain.Block{domain.ImageBlockOf(p.InlineData.MimeType, p.InlineData.Data)}
	case p.Thought || p.ThoughtSignature != "":
		return []domain.Block{domain.ThinkingBlockOf(p.Text, p.ThoughtSignature)}
	case p.Text != "":
		return []domain.Block{domain.TextBlock(p.Text)}
	}
	return nil
}

func blockToGeminiPart(b domain.Block, toolNames map[string]string) (geminiPart, bool) {
	switch b.Type {
	case domain.BlockText:
		return geminiPart{Text: b.Text}, true
	case domain.BlockThinking:
		return geminiPart{
			Text:             b.Thinking.Text,
			Thought:          true,
			ThoughtSignature: b.Thinking.Signature,
		}, true
	case domain.BlockToolUse:
		return geminiPart{FunctionCall: &geminiFunctionCall{
			Name: b.ToolUse.Name,
			Args: b.ToolUse.Input,
		}}, true
	case domain.BlockToolResult:
		name := toolNames[b.ToolResult.ToolUseID]
		if name == "" {
			name = b.ToolResult.ToolUseID
		}
		response, ok := b.ToolResult.Output.(map[string]interface{})
		if !ok {
			response = map[string]interface{}{"result": b.ToolResult.Output}
		}
		return geminiPart{FunctionResponse: &geminiFunctionResp{
			Name:     name,
			Response: response,
		}}, true
	case domain.BlockImage:
		if b.Image.Data == "" {
			return geminiPart{}, false
		}
		return geminiPart{InlineData: &geminiInlineData{
			MimeType: b.Image.MediaType,
			Data:     b.Image.Data,
		}}, true
	}
	return geminiPart{}, false
}

// GeminiToolCallID derives the deterministic id for a functionCall part;
// Gemini does not issue ids itself.
func GeminiToolCallID(name string, args map[string]interface{}) string {
	argBytes, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(name+":"), argBytes...))
	return "call_" + hex.EncodeToString(sum[:])[:24]
}
