package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupExactMatch(t *testing.T) {
	p := Default().Lookup("gemini-2.5-pro")
	require.NotNil(t, p)
	assert.Equal(t, "gemini-2.5-pro", p.Model)
}

func TestLookupLongestPrefix(t *testing.T) {
	p := Default().Lookup("gemini-2.5-pro-preview-0611")
	require.NotNil(t, p)
	assert.Equal(t, "gemini-2.5-pro", p.Model)

	// gpt-5-mini wins over the shorter gpt-5 prefix.
	p = Default().Lookup("gpt-5-mini-2025")
	require.NotNil(t, p)
	assert.Equal(t, "gpt-5-mini", p.Model)
}

func TestLookupUnknownModel(t *testing.T) {
	assert.Nil(t, Default().Lookup("llama-3"))
}

func TestCostMicro(t *testing.T) {
	tbl := NewTable()
	tbl.Set(&ModelPricing{
		Model:          "m",
		InputMicro:     3_000_000,
		OutputMicro:    15_000_000,
		CacheReadMicro: 300_000,
	})

	// 1M input at $3/M plus 1M output at $15/M.
	assert.Equal(t, int64(18_000_000), tbl.CostMicro("m", 1_000_000, 1_000_000, 0, 0))
	assert.Equal(t, int64(3000), tbl.CostMicro("m", 1000, 0, 0, 0))
	// Sub-micro amounts round down in integer math.
	assert.Equal(t, int64(0), tbl.CostMicro("m", 0, 0, 1, 0))
	assert.Equal(t, int64(0), tbl.CostMicro("unknown", 1000, 1000, 0, 0))
}

func TestCostMicroCacheTokens(t *testing.T) {
	tbl := NewTable()
	tbl.Set(&ModelPricing{Model: "m", CacheReadMicro: 1_000_000, CacheWriteMicro: 2_000_000})
	assert.Equal(t, int64(3_000_000), tbl.CostMicro("m", 0, 0, 1_000_000, 1_000_000))
}
