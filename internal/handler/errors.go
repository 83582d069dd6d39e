package handler

import (
	"net/http"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
	"github.com/awsl-project/agproxy/internal/stream"
)

// errorStatus picks the HTTP status for a classified failure.
func errorStatus(perr *domain.ProxyError) int {
	if perr.StatusCode > 0 {
		return perr.StatusCode
	}
	switch perr.Kind {
	case domain.KindClient:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindQuota:
		return http.StatusServiceUnavailable
	case domain.KindInvariant:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDialectError renders a terminal failure in the client's dialect.
func writeDialectError(w http.ResponseWriter, clientType domain.ClientType, perr *domain.ProxyError) {
	status := errorStatus(perr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var body interface{}
	switch clientType {
	case domain.ClientTypeClaude:
		body = map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type":    claudeErrorType(status),
				"message": perr.Error(),
			},
		}
	case domain.ClientTypeGemini:
		body = map[string]interface{}{
			"error": map[string]interface{}{
				"code":    status,
				"message": perr.Error(),
				"status":  geminiErrorStatus(status),
			},
		}
	default:
		body = map[string]interface{}{
			"error": map[string]interface{}{
				"message": perr.Error(),
				"type":    "api_error",
				"code":    status,
			},
		}
	}
	data, _ := jsonx.SafeMarshal(body)
	_, _ = w.Write(data)
}

// writeStreamError emits a mid-stream error envelope in the client's
// dialect; the HTTP status is already committed by then.
func writeStreamError(w http.ResponseWriter, clientType domain.ClientType, perr *domain.ProxyError) {
	var out []byte
	switch clientType {
	case domain.ClientTypeClaude:
		out = stream.FormatSSE("error", map[string]interface{}{
			"type": "error",
			"error": map[string]string{
				"type":    claudeErrorType(errorStatus(perr)),
				"message": perr.Error(),
			},
		})
	case domain.ClientTypeNDJSON:
		out = append(jsonx.MustMarshal(map[string]interface{}{
			"type":   stream.NodeSafety,
			"safety": map[string]string{"reason": perr.Error()},
		}), '\n')
	default:
		out = stream.FormatSSE("", map[string]interface{}{
			"error": map[string]interface{}{"message": perr.Error(), "type": "api_error"},
		})
		out = append(out, stream.FormatDone()...)
	}
	_, _ = w.Write(out)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func claudeErrorType(status int) string {
	switch {
	case status == 429 || status == 503:
		return "overloaded_error"
	case status == 401 || status == 403:
		return "authentication_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func geminiErrorStatus(status int) string {
	switch {
	case status == 429 || status == 503:
		return "RESOURCE_EXHAUSTED"
	case status == 401 || status == 403:
		return "PERMISSION_DENIED"
	case status >= 400 && status < 500:
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := jsonx.SafeMarshal(map[string]interface{}{
		"error": map[string]interface{}{"message": message, "type": "proxy_error"},
	})
	_, _ = w.Write(data)
}
