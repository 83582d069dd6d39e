// Package event decouples the serving path from the admin panel's live
// feed. The proxy publishes request summaries and log lines; the
// websocket hub fans them out.
package event

// RequestEvent summarizes one proxied request.
type RequestEvent struct {
	SCID       string `json:"scid,omitempty"`
	ClientType string `json:"clientType"`
	Profile    string `json:"profile,omitempty"`
	BackendKey string `json:"backendKey,omitempty"`
	Model      string `json:"model"`
	Stream     bool   `json:"stream"`
	StatusCode int    `json:"statusCode"`
	DurationMS int64  `json:"durationMs"`
}

// Broadcaster is implemented by the websocket hub.
type Broadcaster interface {
	BroadcastRequest(ev *RequestEvent)
	BroadcastLog(message string)
	BroadcastMessage(messageType string, data interface{})
}

// NopBroadcaster drops everything. Used in tests and headless runs.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastRequest(*RequestEvent)            {}
func (NopBroadcaster) BroadcastLog(string)                       {}
func (NopBroadcaster) BroadcastMessage(string, interface{})      {}
