package domain

import "time"

// ClientType identifies the wire dialect a client speaks.
type ClientType string

var (
	ClientTypeClaude ClientType = "claude"
	ClientTypeOpenAI ClientType = "openai"
	ClientTypeGemini ClientType = "gemini"
	ClientTypeNDJSON ClientType = "ndjson"
)

// ClientProfile classifies the caller beyond its wire dialect. Different
// clients mangle assistant history in different ways, so sanitization and
// signature recovery are driven by the profile, not the dialect.
type ClientProfile string

var (
	// Terminal assistants. Round-trip tool ids verbatim.
	ProfileTerminal ClientProfile = "terminal"
	// Generic OpenAI SDK callers. Preserve long ids but lose thinking blocks.
	ProfileSDK ClientProfile = "sdk"
	// Inline-completion IDEs and editor extensions. Re-issue tool ids and
	// drop or reorder assistant content on replay.
	ProfileIDE ClientProfile = "ide"
	// The NDJSON-streaming IDE extension.
	ProfileNDJSONIDE ClientProfile = "ndjson-ide"
)

// ClientPolicy captures per-profile behavior switches.
type ClientPolicy struct {
	// Whether history needs full sanitization before upstream submission.
	NeedsSanitization bool
	// Whether signatures may be smuggled through tool-call ids.
	SupportsIDEncoding bool
	// Whether credential acquisition may fall back to another model family.
	EnableCrossPool bool
	// Signature cache TTL for entries written on behalf of this profile.
	SignatureTTL time.Duration
	// Time window for the recent-signature recovery fallback.
	RecentWindow time.Duration
}

var clientPolicies = map[ClientProfile]ClientPolicy{
	ProfileTerminal: {
		NeedsSanitization:  true,
		SupportsIDEncoding: true,
		EnableCrossPool:    true,
		SignatureTTL:       time.Hour,
		RecentWindow:       10 * time.Minute,
	},
	ProfileSDK: {
		NeedsSanitization:  true,
		SupportsIDEncoding: true,
		EnableCrossPool:    false,
		SignatureTTL:       time.Hour,
		RecentWindow:       10 * time.Minute,
	},
	ProfileIDE: {
		NeedsSanitization:  true,
		SupportsIDEncoding: false,
		EnableCrossPool:    false,
		SignatureTTL:       2 * time.Hour,
		RecentWindow:       time.Hour,
	},
	ProfileNDJSONIDE: {
		NeedsSanitization:  true,
		SupportsIDEncoding: false,
		EnableCrossPool:    false,
		SignatureTTL:       2 * time.Hour,
		RecentWindow:       time.Hour,
	},
}

// PolicyFor returns the behavior policy for a client profile.
// Unknown profiles get the most conservative policy (SDK).
func PolicyFor(profile ClientProfile) ClientPolicy {
	if p, ok := clientPolicies[profile]; ok {
		return p
	}
	return clientPolicies[ProfileSDK]
}
