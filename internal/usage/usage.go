// Package usage extracts token accounting from responses in any of the
// three dialects and records it for hourly aggregation.
package usage

import (
	"strings"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// Metrics is the token accounting pulled from one response.
type Metrics struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// usagePayload covers the usage shapes of all three dialects in one
// struct; only the fields present in the body populate.
type usagePayload struct {
	Usage *struct {
		// OpenAI
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		// Anthropic
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	// Gemini
	UsageMetadata *struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

// ExtractFromResponse pulls metrics from a non-streaming response body.
// Returns nil when the body carries no usage.
func ExtractFromResponse(body []byte) *Metrics {
	var payload usagePayload
	if err := jsonx.FastUnmarshal(body, &payload); err != nil {
		return nil
	}
	return payload.metrics()
}

func (p *usagePayload) metrics() *Metrics {
	if p.Usage != nil {
		m := &Metrics{
			InputTokens:      p.Usage.InputTokens,
			OutputTokens:     p.Usage.OutputTokens,
			CacheReadTokens:  p.Usage.CacheReadInputTokens,
			CacheWriteTokens: p.Usage.CacheCreationInputTokens,
		}
		if m.InputTokens == 0 && p.Usage.PromptTokens > 0 {
			m.InputTokens = p.Usage.PromptTokens
		}
		if m.OutputTokens == 0 && p.Usage.CompletionTokens > 0 {
			m.OutputTokens = p.Usage.CompletionTokens
		}
		if m.InputTokens == 0 && m.OutputTokens == 0 {
			return nil
		}
		return m
	}
	if p.UsageMetadata != nil {
		return &Metrics{
			InputTokens:     p.UsageMetadata.PromptTokenCount,
			OutputTokens:    p.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: p.UsageMetadata.CachedContentTokenCount,
		}
	}
	return nil
}

// ExtractFromStreamContent scans buffered SSE text for the last usage
// payload; streams report usage on their final frames.
func ExtractFromStreamContent(content string) *Metrics {
	var last *Metrics
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if m := ExtractFromResponse([]byte(data)); m != nil {
			last = m
		}
	}
	return last
}

// FromUsage converts normalized usage to metrics.
func FromUsage(u *domain.Usage) *Metrics {
	if u == nil {
		return nil
	}
	return &Metrics{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
	}
}
