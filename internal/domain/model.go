package domain

import (
	"time"
)

// Backend describes one upstream service behind the gateway.
type Backend struct {
	// Stable key used in routing rules and the URL prefix variant.
	Key string `json:"key"`

	DisplayName string `json:"displayName"`

	// One or more base URLs; rotation is round-robin on failure.
	BaseURLs []string `json:"baseURLs"`

	// Wire dialect the backend speaks.
	Format ClientType `json:"format"`

	// Smaller numbers are tried first when no routing rule matches.
	Priority int `json:"priority"`

	Timeout       time.Duration `json:"timeout"`
	StreamTimeout time.Duration `json:"streamTimeout"`
	MaxRetries    int           `json:"maxRetries"`
	Enabled       bool          `json:"enabled"`

	// Explicit model list; empty means wildcard (accept any model).
	Models []string `json:"models,omitempty"`

	// Local marks a backend served by the gateway itself; invocations
	// run in-process and only fall back to BaseURLs on internal errors.
	Local bool `json:"local,omitempty"`

	// Static API keys for key-authenticated backends. Identity-file
	// credentials are managed separately by the credential pool.
	APIKeys []string `json:"apiKeys,omitempty"`
}

// AcceptsModel reports whether the backend serves the given model.
func (b *Backend) AcceptsModel(model string) bool {
	if len(b.Models) == 0 {
		return true
	}
	for _, m := range b.Models {
		if m == model || MatchWildcard(m, model) {
			return true
		}
	}
	return false
}

// RoutingStep is one hop of a resolved backend chain.
type RoutingStep struct {
	BackendKey string `json:"backendKey"`
	// Optional per-step model rewrite; empty keeps the inbound model.
	TargetModel string `json:"targetModel,omitempty"`
}

// ModelRoutingRule maps a model pattern to an ordered backend chain.
// Chains may cross format families; the translator bridges the dialects.
type ModelRoutingRule struct {
	ModelPattern string        `json:"modelPattern"`
	Chain        []RoutingStep `json:"chain"`
}

// Credential is one authenticated identity usable against a backend.
// Cooldowns and quota fractions are tracked per model.
type Credential struct {
	ID           string    `json:"id"`
	IdentityFile string    `json:"identityFile,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenExpiry  time.Time `json:"tokenExpiry,omitempty"`
	Disabled     bool      `json:"disabled"`

	ModelCooldowns     map[string]time.Time `json:"modelCooldowns,omitempty"`
	ModelQuotaFraction map[string]float64   `json:"modelQuotaFraction,omitempty"`

	LastUsed time.Time `json:"lastUsed,omitempty"`
}

// ConversationState is the authoritative server-side history for one scid.
type ConversationState struct {
	SCID          string     `json:"scid"`
	ClientType    ClientType `json:"clientType"`
	History       []Message  `json:"history"`
	LastSignature string     `json:"lastSignature,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	AccessCount   uint64     `json:"accessCount"`
}

// ConversationIDHeader carries the scid between gateway and client.
const ConversationIDHeader = "X-AG-Conversation-Id"
