package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

func testBackends() []*domain.Backend {
	return []*domain.Backend{
		{Key: "gemini", Format: domain.ClientTypeGemini, Priority: 1, Enabled: true, Models: []string{"gemini-*"}},
		{Key: "anthropic", Format: domain.ClientTypeClaude, Priority: 2, Enabled: true, Models: []string{"claude-*"}},
		{Key: "openai", Format: domain.ClientTypeOpenAI, Priority: 3, Enabled: true},
		{Key: "disabled", Format: domain.ClientTypeOpenAI, Priority: 0, Enabled: false},
	}
}

func TestResolveDefaultChainPriorityOrder(t *testing.T) {
	r := NewRouter(testBackends(), nil)

	chain, err := r.Resolve("gemini-2.5-pro")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	// gemini matches its wildcard, openai is the catch-all; the disabled
	// backend never appears.
	assert.Equal(t, "gemini", chain[0].Backend.Key)
	assert.Equal(t, "openai", chain[1].Backend.Key)
	assert.Equal(t, "gemini-2.5-pro", chain[0].TargetModel)
}

func TestResolveRuleWins(t *testing.T) {
	rules := []*domain.ModelRoutingRule{{
		ModelPattern: "claude-*",
		Chain: []domain.RoutingStep{
			{BackendKey: "gemini", TargetModel: "gemini-2.5-pro"},
			{BackendKey: "anthropic"},
		},
	}}
	r := NewRouter(testBackends(), rules)

	chain, err := r.Resolve("claude-sonnet-4")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "gemini", chain[0].Backend.Key)
	assert.Equal(t, "gemini-2.5-pro", chain[0].TargetModel)
	// Empty TargetModel keeps the inbound model.
	assert.Equal(t, "claude-sonnet-4", chain[1].TargetModel)
}

func TestResolveRuleSkipsUnknownAndDisabled(t *testing.T) {
	rules := []*domain.ModelRoutingRule{{
		ModelPattern: "*",
		Chain: []domain.RoutingStep{
			{BackendKey: "missing"},
			{BackendKey: "disabled"},
			{BackendKey: "openai"},
		},
	}}
	r := NewRouter(testBackends(), rules)

	chain, err := r.Resolve("anything")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "openai", chain[0].Backend.Key)
}

func TestResolveRuleWithEmptyChainFails(t *testing.T) {
	rules := []*domain.ModelRoutingRule{{
		ModelPattern: "claude-*",
		Chain:        []domain.RoutingStep{{BackendKey: "missing"}},
	}}
	r := NewRouter(testBackends(), rules)

	_, err := r.Resolve("claude-sonnet-4")
	assert.ErrorIs(t, err, domain.ErrNoBackends)
}

func TestResolveNoCandidates(t *testing.T) {
	r := NewRouter([]*domain.Backend{
		{Key: "gemini", Enabled: true, Models: []string{"gemini-*"}},
	}, nil)

	_, err := r.Resolve("claude-sonnet-4")
	assert.ErrorIs(t, err, domain.ErrNoBackends)
}

func TestResolvePinnedSingleStep(t *testing.T) {
	r := NewRouter(testBackends(), nil)

	chain, err := r.ResolvePinned("anthropic", "claude-sonnet-4")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "anthropic", chain[0].Backend.Key)
	assert.Equal(t, "claude-sonnet-4", chain[0].TargetModel)
}

func TestResolvePinnedUnknownOrDisabled(t *testing.T) {
	r := NewRouter(testBackends(), nil)

	_, err := r.ResolvePinned("missing", "m")
	assert.ErrorIs(t, err, domain.ErrNoBackends)

	_, err = r.ResolvePinned("disabled", "m")
	assert.ErrorIs(t, err, domain.ErrNoBackends)
}

func TestReload(t *testing.T) {
	r := NewRouter(testBackends(), nil)
	r.Reload([]*domain.Backend{{Key: "only", Enabled: true}}, nil)

	chain, err := r.Resolve("whatever")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "only", chain[0].Backend.Key)
}

func TestMatchWildcard(t *testing.T) {
	assert.True(t, domain.MatchWildcard("*", "anything"))
	assert.True(t, domain.MatchWildcard("gemini-*", "gemini-2.5-pro"))
	assert.True(t, domain.MatchWildcard("*sonnet*", "claude-sonnet-4"))
	assert.True(t, domain.MatchWildcard("*-20241022", "claude-3-5-sonnet-20241022"))
	assert.False(t, domain.MatchWildcard("gemini-*", "claude-sonnet-4"))
	assert.False(t, domain.MatchWildcard("exact", "exact-not"))
	assert.True(t, domain.MatchWildcard("exact", "exact"))
}
