package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/awsl-project/agproxy/internal/domain"
)

func TestClampThinkingBudgetNoThinking(t *testing.T) {
	req := &domain.Request{MaxTokens: 100}
	ClampThinkingBudget(req)
	assert.Equal(t, 100, req.MaxTokens)

	req = &domain.Request{MaxTokens: 100, Thinking: &domain.ThinkingConfig{Enabled: false}}
	ClampThinkingBudget(req)
	assert.Equal(t, 100, req.MaxTokens)
}

func TestClampThinkingBudgetFloorsMaxTokens(t *testing.T) {
	req := &domain.Request{
		MaxTokens: 2048,
		Thinking:  &domain.ThinkingConfig{Enabled: true},
	}
	ClampThinkingBudget(req)
	assert.Equal(t, MinMaxTokens, req.MaxTokens)
}

func TestClampThinkingBudgetOverCap(t *testing.T) {
	req := &domain.Request{
		MaxTokens: 64000,
		Thinking:  &domain.ThinkingConfig{Enabled: true, BudgetTokens: 60000},
	}
	ClampThinkingBudget(req)
	assert.Equal(t, HardCap-MinOutputTokens, req.Thinking.BudgetTokens)
	assert.Equal(t, 64000, req.MaxTokens)
}

func TestClampThinkingBudgetRaisesMaxTokens(t *testing.T) {
	req := &domain.Request{
		MaxTokens: 4096,
		Thinking:  &domain.ThinkingConfig{Enabled: true, BudgetTokens: 20000},
	}
	ClampThinkingBudget(req)
	assert.Equal(t, 20000, req.Thinking.BudgetTokens)
	assert.Equal(t, 20000+MinOutputTokens, req.MaxTokens)
}

func TestClampThinkingBudgetSmallBudgetStillFloored(t *testing.T) {
	req := &domain.Request{
		MaxTokens: 1000,
		Thinking:  &domain.ThinkingConfig{Enabled: true, BudgetTokens: 2000},
	}
	ClampThinkingBudget(req)
	assert.Equal(t, 2000, req.Thinking.BudgetTokens)
	assert.Equal(t, MinMaxTokens, req.MaxTokens)
}
