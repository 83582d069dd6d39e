package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

func TestExtractFromResponseAnthropic(t *testing.T) {
	m := ExtractFromResponse([]byte(`{"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":3}}`))
	require.NotNil(t, m)
	assert.Equal(t, 10, m.InputTokens)
	assert.Equal(t, 5, m.OutputTokens)
	assert.Equal(t, 3, m.CacheReadTokens)
}

func TestExtractFromResponseOpenAI(t *testing.T) {
	m := ExtractFromResponse([]byte(`{"usage":{"prompt_tokens":7,"completion_tokens":2}}`))
	require.NotNil(t, m)
	assert.Equal(t, 7, m.InputTokens)
	assert.Equal(t, 2, m.OutputTokens)
}

func TestExtractFromResponseGemini(t *testing.T) {
	m := ExtractFromResponse([]byte(`{"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"cachedContentTokenCount":1}}`))
	require.NotNil(t, m)
	assert.Equal(t, 4, m.InputTokens)
	assert.Equal(t, 6, m.OutputTokens)
	assert.Equal(t, 1, m.CacheReadTokens)
}

func TestExtractFromResponseNoUsage(t *testing.T) {
	assert.Nil(t, ExtractFromResponse([]byte(`{"id":"x"}`)))
	assert.Nil(t, ExtractFromResponse([]byte(`{"usage":{}}`)))
	assert.Nil(t, ExtractFromResponse([]byte(`not json`)))
}

func TestExtractFromStreamContentTakesLast(t *testing.T) {
	content := "data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1}}\n" +
		"data: {\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":4}}\n" +
		"data: [DONE]\n"
	m := ExtractFromStreamContent(content)
	require.NotNil(t, m)
	assert.Equal(t, 9, m.InputTokens)
	assert.Equal(t, 4, m.OutputTokens)
}

func TestFromUsage(t *testing.T) {
	assert.Nil(t, FromUsage(nil))
	m := FromUsage(&domain.Usage{InputTokens: 1, OutputTokens: 2, CacheReadTokens: 3, CacheWriteTokens: 4})
	assert.Equal(t, &Metrics{InputTokens: 1, OutputTokens: 2, CacheReadTokens: 3, CacheWriteTokens: 4}, m)
}
