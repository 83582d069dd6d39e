// Package provider sends encoded requests to upstream backends and
// classifies their failures.
package provider

import (
	"context"
	"io"
	"net/http"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Invocation is one upstream call: the backend-dialect body plus the
// credential and model the executor selected. Headers carries the
// whitelisted client fingerprint headers forwarded upstream.
type Invocation struct {
	Backend    *domain.Backend
	Credential *domain.Credential
	Model      string
	Body       []byte
	Stream     bool
	Headers    http.Header
}

// Result is the raw upstream response. Body is the live stream for
// streaming calls; the caller owns closing it.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Adapter speaks one backend's wire protocol. Implementations rotate
// base URLs, attach auth, and turn failure responses into ProxyErrors.
type Adapter interface {
	// Format is the wire dialect this backend consumes.
	Format() domain.ClientType
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// Proxies routes outbound traffic. Default applies to every backend;
// GoogleAPI overrides it for Gemini upstreams when set.
type Proxies struct {
	Default   string
	GoogleAPI string
}

func (p Proxies) forGoogle() string {
	if p.GoogleAPI != "" {
		return p.GoogleAPI
	}
	return p.Default
}
