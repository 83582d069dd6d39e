// Package converter translates requests and non-streaming responses
// among the three wire dialects through one normalized representation.
// Streaming translation lives in internal/stream.
package converter

import (
	"fmt"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Dialect encodes and decodes one wire format. Every dialect goes
// through domain.Request / domain.Response; there are no pairwise paths.
type Dialect interface {
	ParseRequest(body []byte) (*domain.Request, error)
	BuildRequest(req *domain.Request) ([]byte, error)
	ParseResponse(body []byte) (*domain.Response, error)
	BuildResponse(resp *domain.Response) ([]byte, error)
}

// Registry holds the dialect codecs.
type Registry struct {
	dialects map[domain.ClientType]Dialect
}

// NewRegistry creates a registry with all built-in dialects.
func NewRegistry() *Registry {
	r := &Registry{dialects: make(map[domain.ClientType]Dialect)}
	r.Register(domain.ClientTypeClaude, &ClaudeDialect{})
	r.Register(domain.ClientTypeOpenAI, &OpenAIDialect{})
	r.Register(domain.ClientTypeGemini, &GeminiDialect{})
	return r
}

func (r *Registry) Register(ct domain.ClientType, d Dialect) {
	r.dialects[ct] = d
}

// Dialect returns the codec for a client type.
func (r *Registry) Dialect(ct domain.ClientType) (Dialect, error) {
	d, ok := r.dialects[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, ct)
	}
	return d, nil
}

// ParseRequest decodes a request body in the given dialect.
func (r *Registry) ParseRequest(ct domain.ClientType, body []byte) (*domain.Request, error) {
	d, err := r.Dialect(ct)
	if err != nil {
		return nil, err
	}
	return d.ParseRequest(body)
}

// BuildRequest encodes a normalized request into the given dialect.
func (r *Registry) BuildRequest(ct domain.ClientType, req *domain.Request) ([]byte, error) {
	d, err := r.Dialect(ct)
	if err != nil {
		return nil, err
	}
	return d.BuildRequest(req)
}

// TransformRequest re-encodes a request body from one dialect to another.
func (r *Registry) TransformRequest(from, to domain.ClientType, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	req, err := r.ParseRequest(from, body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrFormatConversion, from, err)
	}
	out, err := r.BuildRequest(to, req)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s: %v", domain.ErrFormatConversion, to, err)
	}
	return out, nil
}

// TransformResponse re-encodes a non-streaming response body.
func (r *Registry) TransformResponse(from, to domain.ClientType, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	fromD, err := r.Dialect(from)
	if err != nil {
		return nil, err
	}
	toD, err := r.Dialect(to)
	if err != nil {
		return nil, err
	}
	resp, err := fromD.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrFormatConversion, from, err)
	}
	out, err := toD.BuildResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s: %v", domain.ErrFormatConversion, to, err)
	}
	return out, nil
}
