package context

import (
	"context"
	"net/http"

	"github.com/awsl-project/agproxy/internal/domain"
)

type contextKey string

const (
	CtxKeyClientType     contextKey = "client_type"
	CtxKeyClientProfile  contextKey = "client_profile"
	CtxKeyOwnerID        contextKey = "owner_id"
	CtxKeySCID           contextKey = "scid"
	CtxKeySessionFP      contextKey = "session_fp"
	CtxKeyRequestModel   contextKey = "request_model"
	CtxKeyMappedModel    contextKey = "mapped_model"
	CtxKeyIsStream       contextKey = "is_stream"
	CtxKeyRequestHeaders contextKey = "request_headers"
	CtxKeyForcedBackend  contextKey = "forced_backend"
)

// Setters

func WithClientType(ctx context.Context, ct domain.ClientType) context.Context {
	return context.WithValue(ctx, CtxKeyClientType, ct)
}

func WithClientProfile(ctx context.Context, p domain.ClientProfile) context.Context {
	return context.WithValue(ctx, CtxKeyClientProfile, p)
}

func WithOwnerID(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, CtxKeyOwnerID, owner)
}

func WithSCID(ctx context.Context, scid string) context.Context {
	return context.WithValue(ctx, CtxKeySCID, scid)
}

func WithSessionFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, CtxKeySessionFP, fp)
}

func WithRequestModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestModel, model)
}

func WithMappedModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, CtxKeyMappedModel, model)
}

func WithIsStream(ctx context.Context, isStream bool) context.Context {
	return context.WithValue(ctx, CtxKeyIsStream, isStream)
}

func WithRequestHeaders(ctx context.Context, headers http.Header) context.Context {
	return context.WithValue(ctx, CtxKeyRequestHeaders, headers)
}

// WithForcedBackend pins chain resolution to one backend key. Set by
// the backend-prefixed routes.
func WithForcedBackend(ctx context.Context, backendKey string) context.Context {
	return context.WithValue(ctx, CtxKeyForcedBackend, backendKey)
}

// Getters

func GetClientType(ctx context.Context) domain.ClientType {
	if v, ok := ctx.Value(CtxKeyClientType).(domain.ClientType); ok {
		return v
	}
	return ""
}

func GetClientProfile(ctx context.Context) domain.ClientProfile {
	if v, ok := ctx.Value(CtxKeyClientProfile).(domain.ClientProfile); ok {
		return v
	}
	return domain.ProfileSDK
}

func GetOwnerID(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyOwnerID).(string); ok {
		return v
	}
	return ""
}

func GetSCID(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeySCID).(string); ok {
		return v
	}
	return ""
}

func GetSessionFingerprint(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeySessionFP).(string); ok {
		return v
	}
	return ""
}

func GetRequestModel(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyRequestModel).(string); ok {
		return v
	}
	return ""
}

func GetMappedModel(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyMappedModel).(string); ok {
		return v
	}
	return ""
}

func GetIsStream(ctx context.Context) bool {
	if v, ok := ctx.Value(CtxKeyIsStream).(bool); ok {
		return v
	}
	return false
}

func GetRequestHeaders(ctx context.Context) http.Header {
	if v, ok := ctx.Value(CtxKeyRequestHeaders).(http.Header); ok {
		return v
	}
	return nil
}

func GetForcedBackend(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyForcedBackend).(string); ok {
		return v
	}
	return ""
}
