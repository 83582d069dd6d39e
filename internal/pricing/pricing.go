// Package pricing estimates upstream cost from token usage. Prices are
// per million tokens in micro-USD so the arithmetic stays integral.
package pricing

import (
	"strings"
	"sync"
)

// ModelPricing is the price card for one model or model prefix.
type ModelPricing struct {
	Model           string
	InputMicro      int64
	OutputMicro     int64
	CacheReadMicro  int64
	CacheWriteMicro int64
}

// Table resolves a model name to its price card, exact match first and
// longest prefix second, so "gemini-2.5-pro-preview-0611" still prices
// as "gemini-2.5-pro".
type Table struct {
	byModel map[string]*ModelPricing
}

func NewTable() *Table {
	return &Table{byModel: make(map[string]*ModelPricing)}
}

func (t *Table) Set(p *ModelPricing) {
	t.byModel[p.Model] = p
}

func (t *Table) Lookup(model string) *ModelPricing {
	if p, ok := t.byModel[model]; ok {
		return p
	}
	var best *ModelPricing
	for prefix, p := range t.byModel {
		if strings.HasPrefix(model, prefix) {
			if best == nil || len(prefix) > len(best.Model) {
				best = p
			}
		}
	}
	return best
}

// CostMicro returns the estimated cost in micro-USD, or 0 for unknown
// models.
func (t *Table) CostMicro(model string, input, output, cacheRead, cacheWrite int64) int64 {
	p := t.Lookup(model)
	if p == nil {
		return 0
	}
	const million = 1_000_000
	return input*p.InputMicro/million +
		output*p.OutputMicro/million +
		cacheRead*p.CacheReadMicro/million +
		cacheWrite*p.CacheWriteMicro/million
}

var (
	defaultTable *Table
	defaultOnce  sync.Once
)

// Default returns the built-in price table.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTable = buildDefault()
	})
	return defaultTable
}

func buildDefault() *Table {
	t := NewTable()

	t.Set(&ModelPricing{
		Model:           "claude-sonnet-4",
		InputMicro:      3_000_000,
		OutputMicro:     15_000_000,
		CacheReadMicro:  300_000,
		CacheWriteMicro: 3_750_000,
	})
	t.Set(&ModelPricing{
		Model:           "claude-opus-4",
		InputMicro:      5_000_000,
		OutputMicro:     25_000_000,
		CacheReadMicro:  500_000,
		CacheWriteMicro: 6_250_000,
	})
	t.Set(&ModelPricing{
		Model:           "claude-haiku-4",
		InputMicro:      1_000_000,
		OutputMicro:     5_000_000,
		CacheReadMicro:  100_000,
		CacheWriteMicro: 1_250_000,
	})

	t.Set(&ModelPricing{
		Model:          "gpt-5",
		InputMicro:     1_250_000,
		OutputMicro:    10_000_000,
		CacheReadMicro: 125_000,
	})
	t.Set(&ModelPricing{
		Model:          "gpt-5-mini",
		InputMicro:     250_000,
		OutputMicro:    2_000_000,
		CacheReadMicro: 25_000,
	})

	t.Set(&ModelPricing{
		Model:          "gemini-2.5-pro",
		InputMicro:     1_250_000,
		OutputMicro:    10_000_000,
		CacheReadMicro: 312_500,
	})
	t.Set(&ModelPricing{
		Model:          "gemini-2.5-flash",
		InputMicro:     300_000,
		OutputMicro:    2_500_000,
		CacheReadMicro: 75_000,
	})
	t.Set(&ModelPricing{
		Model:          "gemini-3-pro",
		InputMicro:     2_000_000,
		OutputMicro:    12_000_000,
		CacheReadMicro: 500_000,
	})

	return t
}
