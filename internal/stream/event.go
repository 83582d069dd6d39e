// Package stream translates response streams between dialects. Upstream
// parsers turn SSE payloads into a flat event sequence; downstream
// writers run a per-response state machine over that sequence and emit
// the client dialect. Signatures observed mid-stream are surfaced to a
// sink owned by the caller; this package never touches the cache.
package stream

import (
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// EventType enumerates the normalized stream events.
type EventType int

const (
	EventThinkingDelta EventType = iota
	// A signature part. May arrive standalone, without an open thinking
	// block; writers then open an empty one (trailing-signature case).
	EventSignature
	EventTextDelta
	// A complete tool call. Gemini emits calls whole; OpenAI deltas are
	// aggregated by the parser before this fires.
	EventToolCall
	EventFinish
	EventUsage
	EventError
)

// Event is one normalized stream occurrence.
type Event struct {
	Type EventType

	Text      string
	Signature string

	ToolID   string
	ToolName string
	ToolArgs map[string]interface{}

	StopReason string
	Usage      *domain.Usage

	ErrMessage string
}

// Parser consumes one upstream SSE data payload and returns the events
// it contained. Parsers keep per-response aggregation state.
type Parser interface {
	Parse(event string, data []byte) ([]Event, error)
	// Flush returns events buffered at stream end (e.g. an unfinished
	// tool-call aggregation).
	Flush() []Event
}

// Writer renders events in one client dialect. Emit returns the bytes
// to forward; Close synthesizes a finish when the upstream never sent
// one and terminates the response envelope.
type Writer interface {
	Emit(ev Event) []byte
	Close() []byte
	// SawFinish reports whether an explicit upstream finish was emitted.
	SawFinish() bool
}

// Sink observes the assistant turn as it streams by. The handler wires
// it to the signature store and the conversation writeback.
type Sink interface {
	OnSignature(sig string, thinkingText string)
	OnToolCall(id, name string, args map[string]interface{})
	OnBlock(block domain.Block)
	OnUsage(u *domain.Usage)
}

// NopSink ignores everything.
type NopSink struct{}

func (NopSink) OnSignature(string, string)                        {}
func (NopSink) OnToolCall(string, string, map[string]interface{}) {}
func (NopSink) OnBlock(domain.Block)                              {}
func (NopSink) OnUsage(*domain.Usage)                             {}

func mustJSONString(v interface{}) string {
	return string(jsonx.MustMarshal(v))
}
