// Package client classifies inbound requests: wire dialect, client
// profile, owner identity, session fingerprint, and conversation id.
package client

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// Info is everything the handler needs to know about the caller.
type Info struct {
	ClientType domain.ClientType
	Profile    domain.ClientProfile
	Model      string
	Stream     bool
	SCID       string
	OwnerToken string
	SessionID  string
}

// Adapter detects client type and extracts request metadata.
type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

var geminiModelPattern = regexp.MustCompile(`/v1(?:beta|internal)?/models/([^/:]+)(?::(\w+))?`)

// DetectClientType resolves the wire dialect, path prefix first and
// body shape as fallback.
func (a *Adapter) DetectClientType(req *http.Request, body []byte) domain.ClientType {
	path := req.URL.Path

	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return domain.ClientTypeClaude
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return domain.ClientTypeOpenAI
	case strings.HasPrefix(path, "/v1/models/"),
		strings.HasPrefix(path, "/v1beta/models/"),
		strings.HasPrefix(path, "/v1internal/models/"):
		return domain.ClientTypeGemini
	case strings.HasPrefix(path, "/ndjson"), strings.HasPrefix(path, "/v1/ide/stream"):
		return domain.ClientTypeNDJSON
	}

	return detectFromBody(body)
}

// DetectFromBody resolves the dialect from the body shape alone. Used
// by compatibility mode when the path's dialect rejects the body.
func (a *Adapter) DetectFromBody(body []byte) domain.ClientType {
	return detectFromBody(body)
}

func detectFromBody(body []byte) domain.ClientType {
	var data map[string]interface{}
	if err := jsonx.FastUnmarshal(body, &data); err != nil {
		return ""
	}
	if _, ok := data["contents"]; ok {
		return domain.ClientTypeGemini
	}
	if _, ok := data["nodes"]; ok {
		return domain.ClientTypeNDJSON
	}
	if _, ok := data["messages"]; ok {
		// The messages dialect puts system at the top level; the
		// chat-completions dialect folds it into the message list.
		if _, hasSystem := data["system"]; hasSystem {
			return domain.ClientTypeClaude
		}
		if _, hasMax := data["max_tokens"]; hasMax {
			if _, hasThinking := data["thinking"]; hasThinking {
				return domain.ClientTypeClaude
			}
		}
		return domain.ClientTypeOpenAI
	}
	return ""
}

// ideAgentMarkers appear in User-Agent or forwarded-agent headers of
// editor extensions that re-issue tool ids and drop thinking blocks.
var ideAgentMarkers = []string{
	"vscode", "jetbrains", "intellij", "cursor", "windsurf", "zed",
}

// terminalAgentMarkers identify CLIs that round-trip long ids intact.
var terminalAgentMarkers = []string{
	"claude-cli", "claude-code", "gemini-cli", "aider", "codex-cli",
}

// ClassifyProfile maps fingerprint headers to a behavior profile.
func (a *Adapter) ClassifyProfile(req *http.Request, clientType domain.ClientType) domain.ClientProfile {
	if clientType == domain.ClientTypeNDJSON {
		return domain.ProfileNDJSONIDE
	}

	agent := strings.ToLower(req.Header.Get("User-Agent"))
	forwarded := strings.ToLower(req.Header.Get("X-Forwarded-User-Agent"))
	if req.Header.Get("X-Augment-Client") != "" {
		return domain.ProfileIDE
	}
	for _, marker := range terminalAgentMarkers {
		if strings.Contains(agent, marker) || strings.Contains(forwarded, marker) {
			return domain.ProfileTerminal
		}
	}
	for _, marker := range ideAgentMarkers {
		if strings.Contains(agent, marker) || strings.Contains(forwarded, marker) {
			return domain.ProfileIDE
		}
	}
	return domain.ProfileSDK
}

// Extract pulls classification and request metadata in one pass.
func (a *Adapter) Extract(req *http.Request, body []byte) *Info {
	clientType := a.DetectClientType(req, body)
	info := &Info{
		ClientType: clientType,
		Profile:    a.ClassifyProfile(req, clientType),
		Model:      a.ExtractModel(req, clientType, body),
		Stream:     a.IsStreamRequest(req, body),
		SCID:       req.Header.Get(domain.ConversationIDHeader),
		OwnerToken: bearerToken(req),
		SessionID:  a.ExtractSessionID(req, body),
	}
	return info
}

// ExtractModel reads the model from the URL for Gemini, the body
// otherwise.
func (a *Adapter) ExtractModel(req *http.Request, clientType domain.ClientType, body []byte) string {
	if clientType == domain.ClientTypeGemini {
		if matches := geminiModelPattern.FindStringSubmatch(req.URL.Path); len(matches) > 1 {
			return matches[1]
		}
	}
	var data struct {
		Model string `json:"model"`
	}
	if err := jsonx.FastUnmarshal(body, &data); err != nil {
		return ""
	}
	return data.Model
}

// IsStreamRequest reads the stream flag; Gemini signals it in the URL.
func (a *Adapter) IsStreamRequest(req *http.Request, body []byte) bool {
	if strings.Contains(req.URL.Path, ":streamGenerateContent") {
		return true
	}
	var data struct {
		Stream bool `json:"stream"`
	}
	if err := jsonx.FastUnmarshal(body, &data); err != nil {
		return false
	}
	return data.Stream
}

// ExtractSessionID prefers the client-declared session id, then falls
// back to a stable hash of caller characteristics.
func (a *Adapter) ExtractSessionID(req *http.Request, body []byte) string {
	var data struct {
		Metadata struct {
			SessionID string `json:"session_id"`
		} `json:"metadata"`
	}
	if err := jsonx.FastUnmarshal(body, &data); err == nil && data.Metadata.SessionID != "" {
		return data.Metadata.SessionID
	}
	if sid := req.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}

	remoteIP := req.RemoteAddr
	if idx := strings.LastIndex(remoteIP, ":"); idx > 0 {
		remoteIP = remoteIP[:idx]
	}
	seed := bearerToken(req) + "\x00" + req.UserAgent() + "\x00" + remoteIP
	return "session-" + domain.ShortHash(seed)
}

// forwardableHeaders is the whitelist of client fingerprint headers
// passed through to the upstream call.
var forwardableHeaders = []string{
	"User-Agent",
	"X-Forwarded-User-Agent",
	"X-Augment-Client",
	"X-Session-Id",
}

// ForwardHeaders extracts the whitelisted client headers for upstream
// forwarding. Returns nil when none are present.
func (a *Adapter) ForwardHeaders(req *http.Request) http.Header {
	var out http.Header
	for _, name := range forwardableHeaders {
		if v := req.Header.Get(name); v != "" {
			if out == nil {
				out = make(http.Header, len(forwardableHeaders))
			}
			out.Set(name, v)
		}
	}
	return out
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := req.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := req.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return ""
}
