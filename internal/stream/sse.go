package stream

import (
	"strings"

	"github.com/awsl-project/agproxy/internal/jsonx"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  []byte
	Done  bool
}

// ParseSSE splits buffered SSE text into complete events, returning the
// unterminated tail for the next read.
func ParseSSE(text string) ([]SSEEvent, string) {
	var events []SSEEvent
	lines := strings.Split(text, "\n")

	var currentEvent string
	var currentData []string
	var remaining strings.Builder

	for i, line := range lines {
		// The last line may be a partial read.
		if i == len(lines)-1 && line != "" && !strings.HasSuffix(text, "\n") {
			remaining.WriteString(line)
			break
		}

		line = strings.TrimRight(line, "\r")

		if line == "" {
			if len(currentData) > 0 {
				dataStr := strings.Join(currentData, "\n")
				if dataStr == "[DONE]" {
					events = append(events, SSEEvent{Done: true})
				} else {
					events = append(events, SSEEvent{Event: currentEvent, Data: []byte(dataStr)})
				}
			}
			currentEvent = ""
			currentData = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = append(currentData, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	return events, remaining.String()
}

// FormatSSE renders an event and its data payload.
func FormatSSE(event string, data interface{}) []byte {
	var sb strings.Builder
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteString("\n")
	}

	var dataBytes []byte
	switch v := data.(type) {
	case []byte:
		dataBytes = v
	case string:
		dataBytes = []byte(v)
	default:
		dataBytes = jsonx.MustMarshal(v)
	}

	sb.WriteString("data: ")
	sb.Write(dataBytes)
	sb.WriteString("\n\n")

	return []byte(sb.String())
}

// FormatDone returns the OpenAI-style stream terminator.
func FormatDone() []byte {
	return []byte("data: [DONE]\n\n")
}
